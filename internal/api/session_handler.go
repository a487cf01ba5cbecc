package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/isqad/livelook-classroom/internal/service"
	"github.com/rs/zerolog/log"
)

// SessionsService is the part of service.SessionsManager the handlers use
type SessionsService interface {
	GoLive(ctx context.Context, id core.SessionID, req core.LiveRequest) (service.SessionView, error)
	StopLive(ctx context.Context, id core.SessionID) error
	Describe(ctx context.Context, id core.SessionID) (service.SessionView, error)
	SetTrackEnabled(ctx context.Context, id core.SessionID, kind string, enabled bool) error
	SendChat(ctx context.Context, id core.SessionID, msg core.ChatMessage) (string, error)
	React(ctx context.Context, id core.SessionID, reaction core.Reaction) (string, error)
}

type LiveRequest struct {
	Title          string `json:"title"`
	OrganizationID string `json:"organization_id,omitempty"`
}

type TrackRequest struct {
	Enabled bool `json:"enabled"`
}

type ChatRequest struct {
	Text string `json:"text"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

type EntryResponse struct {
	Key string `json:"key"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func sessionIDParam(r *http.Request) core.SessionID {
	return core.SessionID(chi.URLParam(r, "id"))
}

// GoLiveHandler POST /sessions/{id}/live
func GoLiveHandler(sessions SessionsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := extractUserID(r)
		if err != nil {
			log.Error().Err(err).Str("service", "api").Msg("")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		body := LiveRequest{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			log.Warn().Err(err).Str("service", "api").Msg("can't parse live request")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		view, err := sessions.GoLive(r.Context(), sessionIDParam(r), core.LiveRequest{
			Title:          body.Title,
			HostID:         userID,
			OrganizationID: body.OrganizationID,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, view)
	}
}

// StopLiveHandler DELETE /sessions/{id}/live
func StopLiveHandler(sessions SessionsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := sessionIDParam(r)
		if err := sessions.StopLive(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}

		view, err := sessions.Describe(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// SessionShowHandler GET /sessions/{id}
func SessionShowHandler(sessions SessionsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := sessions.Describe(r.Context(), sessionIDParam(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// TrackUpdateHandler PUT /sessions/{id}/tracks/{kind}
func TrackUpdateHandler(sessions SessionsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := TrackRequest{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err := sessions.SetTrackEnabled(r.Context(), sessionIDParam(r), chi.URLParam(r, "kind"), body.Enabled); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ChatCreateHandler POST /sessions/{id}/chat
func ChatCreateHandler(sessions SessionsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := extractUserID(r)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		body := ChatRequest{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		key, err := sessions.SendChat(r.Context(), sessionIDParam(r), core.ChatMessage{AuthorID: userID, Text: body.Text})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, EntryResponse{Key: key})
	}
}

// ReactionCreateHandler POST /sessions/{id}/reactions
func ReactionCreateHandler(sessions SessionsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := extractUserID(r)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		body := ReactionRequest{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Emoji == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		key, err := sessions.React(r.Context(), sessionIDParam(r), core.Reaction{AuthorID: userID, Emoji: body.Emoji})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, EntryResponse{Key: key})
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrMediaUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrAlreadyLive), errors.Is(err, core.ErrNotLive):
		return http.StatusConflict
	case errors.Is(err, core.ErrSignalingWriteFailed), errors.Is(err, core.ErrSignalingDeleteFailed):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrUnknownTrackKind):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)

	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).Str("service", "api").Str("path", r.URL.Path).Int("status", status).Msg("request failed")

	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Str("service", "api").Msg("can't encode response")
	}
}
