package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"minicdp/internal/decision"
	"minicdp/internal/identity"
	"minicdp/internal/pipeline"
	"minicdp/internal/store"
)

// identifyRequest accepts userId as a synonym for externalId; callers that
// track by their own account ids use that field.
type identifyRequest struct {
	DeviceID   string                 `json:"deviceId"`
	UserID     string                 `json:"userId"`
	ExternalID string                 `json:"externalId"`
	EmailHash  string                 `json:"emailHash"`
	Traits     map[string]interface{} `json:"traits"`
}

func (req identifyRequest) identityInput() identity.Input {
	in := identity.Input{
		DeviceID:   req.DeviceID,
		ExternalID: req.ExternalID,
		EmailHash:  req.EmailHash,
	}
	if in.ExternalID == "" {
		in.ExternalID = req.UserID
	}
	return in
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	var req identifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, codeBadRequest, "invalid JSON body")
		return
	}

	// Profile traits are accepted but not persisted; membership and flag
	// decisions derive from tracked events only.
	res, err := s.orch.Identify(r.Context(), req.identityInput())
	if errors.Is(err, identity.ErrNoIdentifier) {
		writeError(w, codeBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error("identify failed", zap.Error(err))
		writeError(w, codeInternal, "identify failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userId":  res.UserID,
		"created": res.Created,
		"success": true,
	})
}

type trackRequest struct {
	identifyRequest
	Event string         `json:"event"`
	TS    string         `json:"ts"`
	Props store.JSONBMap `json:"props"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, codeBadRequest, "invalid JSON body")
		return
	}

	in := pipeline.TrackInput{
		Identity: req.identityInput(),
		Event:    req.Event,
		Props:    req.Props,
	}
	if req.TS != "" {
		ts, err := time.Parse(time.RFC3339, req.TS)
		if err != nil {
			writeError(w, codeBadRequest, "ts must be an ISO-8601 timestamp")
			return
		}
		in.Timestamp = &ts
	}

	res, err := s.orch.Track(r.Context(), in)
	if errors.Is(err, pipeline.ErrEventNameRequired) || errors.Is(err, identity.ErrNoIdentifier) {
		writeError(w, codeBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error("track failed", zap.Error(err))
		writeError(w, codeInternal, "track failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"userId":  res.UserID,
		"eventId": res.EventID,
	})
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	flagKey := r.URL.Query().Get("flag")
	if userID == "" || flagKey == "" {
		writeError(w, codeBadRequest, "userId and flag query parameters are required")
		return
	}

	d, err := s.engine.Decide(r.Context(), userID, flagKey)
	if errors.Is(err, decision.ErrFlagNotFound) {
		writeError(w, codeNotFound, err.Error())
		return
	}
	if err != nil {
		s.log.Error("decide failed", zap.Error(err))
		writeError(w, codeInternal, "decide failed")
		return
	}

	writeJSON(w, http.StatusOK, d)
}
