package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mikeyg42/framepipe/internal/enclog"
	"github.com/mikeyg42/framepipe/internal/quality"
)

// ProfileController switches the encode profile of a running pipeline.
type ProfileController interface {
	Current() quality.Profile
	Ladder() []quality.Profile
	History() []quality.Adjustment
	Set(name, reason string) (quality.Profile, error)
	StepUp(reason string) (quality.Profile, error)
	StepDown(reason string) (quality.Profile, error)
}

// ProfileHandler serves /api/profile.
type ProfileHandler struct {
	ctrl    ProfileController
	limiter *RateLimiter
	log     enclog.Logger
}

func NewProfileHandler(ctrl ProfileController) *ProfileHandler {
	return &ProfileHandler{
		ctrl:    ctrl,
		limiter: NewRateLimiter(30, time.Minute),
		log:     enclog.L().Named("api.profile"),
	}
}

func (h *ProfileHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/profile", h.limiter.Middleware(h.handleProfile))
}

type profileResponse struct {
	Current quality.Profile      `json:"current"`
	Ladder  []quality.Profile    `json:"ladder,omitempty"`
	History []quality.Adjustment `json:"history,omitempty"`
}

// profileRequest names a profile or a step direction ("up" or "down").
type profileRequest struct {
	Name   string `json:"name"`
	Step   string `json:"step"`
	Reason string `json:"reason"`
}

func (h *ProfileHandler) handleProfile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, profileResponse{
			Current: h.ctrl.Current(),
			Ladder:  h.ctrl.Ladder(),
			History: h.ctrl.History(),
		})
	case http.MethodPost:
		h.handleChange(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ProfileHandler) handleChange(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "api"
	}

	var (
		p   quality.Profile
		err error
	)
	switch {
	case req.Name != "" && req.Step != "":
		http.Error(w, "Specify either name or step", http.StatusBadRequest)
		return
	case req.Name != "":
		p, err = h.ctrl.Set(req.Name, req.Reason)
	case req.Step == "up":
		p, err = h.ctrl.StepUp(req.Reason)
	case req.Step == "down":
		p, err = h.ctrl.StepDown(req.Reason)
	default:
		http.Error(w, "Specify a profile name or a step of up or down", http.StatusBadRequest)
		return
	}
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, quality.ErrUnknownProfile):
			code = http.StatusNotFound
		case errors.Is(err, quality.ErrExceedsSource):
			code = http.StatusUnprocessableEntity
		case errors.Is(err, quality.ErrAtLimit), errors.Is(err, quality.ErrCooldown):
			code = http.StatusConflict
		default:
			h.log.Error("profile change failed", enclog.Error(err))
		}
		http.Error(w, err.Error(), code)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{Current: p})
}
