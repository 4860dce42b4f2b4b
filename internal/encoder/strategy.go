package encoder

import (
	"fmt"

	"github.com/mikeyg42/framepipe/internal/hwenc"
)

// submitStrategy decides what happens to a submitted pair given the device
// status. It returns the pairs now owned by the retirement worker and the
// pairs the device rejected, which go straight back to their pools.
type submitStrategy interface {
	name() string
	submit(p *pair, st hwenc.Status) (retire, reject []*pair, err error)
	// drain hands over every pair still held for a later success.
	drain() []*pair
	pending() int
}

func resolveStrategy(cfg Config) submitStrategy {
	if !cfg.Async && !cfg.DisablePTD {
		return &pacedStrategy{}
	}
	return &directStrategy{async: cfg.Async}
}

func hardwareError(st hwenc.Status) error {
	return NewEncoderError(int(st), fmt.Sprintf("encode picture: %s", st), true, ErrHardware)
}

// pacedStrategy serves synchronous sessions where the device picks picture
// types. A need-more-input status means the device is holding the picture,
// so the pair waits until a later submission succeeds.
type pacedStrategy struct {
	held []*pair
}

func (s *pacedStrategy) name() string { return "paced" }

func (s *pacedStrategy) submit(p *pair, st hwenc.Status) ([]*pair, []*pair, error) {
	p.out.WaitOnEvent = false
	s.held = append(s.held, p)
	switch st {
	case hwenc.StatusSuccess:
		return s.drain(), nil, nil
	case hwenc.StatusNeedMoreInput:
		return nil, nil, nil
	default:
		return nil, s.drain(), hardwareError(st)
	}
}

func (s *pacedStrategy) drain() []*pair {
	out := s.held
	s.held = nil
	return out
}

func (s *pacedStrategy) pending() int { return len(s.held) }

// directStrategy serves asynchronous sessions and sessions where the caller
// picks picture types. Every accepted picture goes to the worker at once.
type directStrategy struct {
	async bool
}

func (s *directStrategy) name() string {
	if s.async {
		return "async"
	}
	return "manual"
}

func (s *directStrategy) submit(p *pair, st hwenc.Status) ([]*pair, []*pair, error) {
	if st != hwenc.StatusSuccess {
		return nil, []*pair{p}, hardwareError(st)
	}
	p.out.WaitOnEvent = s.async
	return []*pair{p}, nil, nil
}

func (s *directStrategy) drain() []*pair { return nil }

func (s *directStrategy) pending() int { return 0 }
