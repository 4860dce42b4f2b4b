// Package storage holds the backends the encode pipeline writes to: an
// object store for compressed bitstream segments and a Postgres journal of
// encode sessions and the segments they produced.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ObjectStore defines the object storage operations the segment sink needs
type ObjectStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	HealthCheck(ctx context.Context) error
}

// ObjectInfo contains information about a stored object
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"last_modified"`
	ETag         string            `json:"etag,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// PutOption configures Put operations
type PutOption interface {
	applyPut(*putOptions)
}

type putOptions struct {
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

func newPutOptions(opts []PutOption) *putOptions {
	o := &putOptions{ContentType: "application/octet-stream"}
	for _, opt := range opts {
		opt.applyPut(o)
	}
	return o
}

type contentTypeOption string

func (o contentTypeOption) applyPut(opts *putOptions) { opts.ContentType = string(o) }

type contentEncodingOption string

func (o contentEncodingOption) applyPut(opts *putOptions) { opts.ContentEncoding = string(o) }

type metadataOption map[string]string

func (o metadataOption) applyPut(opts *putOptions) {
	if opts.Metadata == nil {
		opts.Metadata = make(map[string]string, len(o))
	}
	for k, v := range o {
		opts.Metadata[k] = v
	}
}

func WithContentType(contentType string) PutOption {
	return contentTypeOption(contentType)
}

func WithContentEncoding(encoding string) PutOption {
	return contentEncodingOption(encoding)
}

// WithMetadata merges metadata into the object's user metadata.
func WithMetadata(metadata map[string]string) PutOption {
	return metadataOption(metadata)
}

var ErrNotFound = errors.New("storage: object not found")

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotExist returns true if the error indicates the object doesn't exist
func IsNotExist(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var serr *StorageError
	return errors.As(err, &serr) && serr.StatusCode == 404
}
