// Copyright 2024-2026 Aiku AI

// Package api exposes the HTTP control surface for managing sessions.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/ptr"

	"github.com/aiku/sessiond/pkg/session"
	"github.com/aiku/sessiond/pkg/supervisor"
)

// maxRequestBodySize is the maximum allowed request body (1 MB).
const maxRequestBodySize = 1 << 20

// qrImageSize is the edge length of rendered pairing images in pixels.
const qrImageSize = 256

// Auth methods accepted by the create endpoint. The legacy names of the old
// web interface are accepted as aliases.
const (
	AuthToken       = "token"
	AuthInteractive = "interactive"

	legacyAuthToken       = "sessionId"
	legacyAuthInteractive = "qr"
)

// Manager starts and deletes sessions.
type Manager interface {
	Start(ctx context.Context, params supervisor.StartParams) (session.Session, error)
	Delete(ctx context.Context, name string) error
}

// Server is the session control surface.
type Server struct {
	manager Manager
	store   *session.Store
	log     zerolog.Logger
}

// NewServer creates a control surface backed by manager, reading session
// state from store.
func NewServer(manager Manager, store *session.Store, log zerolog.Logger) *Server {
	return &Server{
		manager: manager,
		store:   store,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// CreateRequest is the body of POST /sessions.
type CreateRequest struct {
	Name       string `json:"name"`
	AuthMethod string `json:"authMethod"`
	Token      string `json:"token,omitempty"`

	LegacyName  string `json:"sessionName,omitempty"`
	LegacyToken string `json:"sessionId,omitempty"`
}

// CreateResponse is the body returned by POST /sessions.
type CreateResponse struct {
	Success      bool            `json:"success"`
	Message      string          `json:"message"`
	Status       *session.Status `json:"status,omitempty"`
	PairingImage string          `json:"pairingImage,omitempty"`
}

// SessionInfo describes one session.
type SessionInfo struct {
	Name             string         `json:"name"`
	Status           session.Status `json:"status"`
	Identity         *string        `json:"identity,omitempty"`
	PairingAvailable bool           `json:"pairingAvailable"`
	Interactive      bool           `json:"interactive"`
	CreatedAt        time.Time      `json:"createdAt"`
	ConnectedAt      *time.Time     `json:"connectedAt,omitempty"`
}

// PairingResponse is the body returned by the pairing endpoint.
type PairingResponse struct {
	Success      bool   `json:"success"`
	PairingImage string `json:"pairingImage"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Router builds the HTTP routes. Session routes are mounted both at
// /sessions and at the legacy /api/sessions.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Handled request")
	}))
	for _, prefix := range []string{"", "/api"} {
		base := prefix + "/sessions"
		r.HandleFunc(base, s.handleList).Methods(http.MethodGet)
		r.HandleFunc(base, s.handleCreate).Methods(http.MethodPost)
		r.HandleFunc(base+"/{name}", s.handleGet).Methods(http.MethodGet)
		r.HandleFunc(base+"/{name}", s.handleDelete).Methods(http.MethodDelete)
		r.HandleFunc(base+"/{name}/pairing", s.handlePairing).Methods(http.MethodGet)
	}
	r.HandleFunc("/api/sessions/{name}/qr", s.handlePairing).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	exhttp.WriteJSONResponse(w, status, messageResponse{
		Success: status < http.StatusBadRequest,
		Message: message,
	})
}

func toInfo(sess session.Session) SessionInfo {
	info := SessionInfo{
		Name:             sess.Name,
		Status:           sess.Status,
		PairingAvailable: sess.PairingAvailable(),
		Interactive:      sess.Interactive,
		CreatedAt:        sess.CreatedAt,
	}
	if sess.Identity != "" {
		info.Identity = ptr.Ptr(sess.Identity)
	}
	if !sess.ConnectedAt.IsZero() {
		info.ConnectedAt = ptr.Ptr(sess.ConnectedAt)
	}
	return info
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions := s.store.List()
	infos := make([]SessionInfo, len(sessions))
	for i, sess := range sessions {
		infos[i] = toInfo(sess)
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, infos)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.store.Get(mux.Vars(r)["name"])
	if !ok {
		writeMessage(w, http.StatusNotFound, "Session not found")
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, toInfo(sess))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	exhttp.WriteJSONResponse(w, http.StatusOK, map[string]int{"sessions": s.store.Len()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeMessage(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	var req CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	params, msg := req.startParams()
	if msg != "" {
		writeMessage(w, http.StatusBadRequest, msg)
		return
	}

	log.Info().
		Str("session", params.Name).
		Bool("interactive", params.Interactive).
		Msg("Session creation requested")
	sess, err := s.manager.Start(r.Context(), params)
	if err != nil {
		status, msg := errorStatus(err)
		if status >= http.StatusInternalServerError {
			log.Err(err).Str("session", params.Name).Msg("Failed to create session")
		} else {
			log.Debug().Err(err).Str("session", params.Name).Msg("Rejected session creation")
		}
		writeMessage(w, status, msg)
		return
	}

	resp := CreateResponse{
		Success: true,
		Message: "Session created successfully",
		Status:  ptr.Ptr(sess.Status),
	}
	if sess.PairingAvailable() {
		img, err := PairingImage(sess.PairingCode)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to render pairing image")
		} else {
			resp.Message = "Session created, scan the pairing code"
			resp.PairingImage = img
		}
	}
	exhttp.WriteJSONResponse(w, http.StatusCreated, resp)
}

// startParams validates the request. A non-empty message is a validation
// failure.
func (req CreateRequest) startParams() (supervisor.StartParams, string) {
	name := req.Name
	if name == "" {
		name = req.LegacyName
	}
	token := req.Token
	if token == "" {
		token = req.LegacyToken
	}
	if name == "" {
		return supervisor.StartParams{}, "Session name is required"
	}
	if supervisor.ValidateName(name) != nil {
		return supervisor.StartParams{}, "Session name may only contain letters, digits, '.', '_' and '-'"
	}
	switch req.AuthMethod {
	case AuthToken, legacyAuthToken:
		if token == "" {
			return supervisor.StartParams{}, "Session token is required"
		}
		return supervisor.StartParams{Name: name, Token: token}, ""
	case AuthInteractive, legacyAuthInteractive:
		return supervisor.StartParams{Name: name, Token: token, Interactive: true}, ""
	default:
		return supervisor.StartParams{}, fmt.Sprintf("Unknown auth method %q", req.AuthMethod)
	}
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, supervisor.ErrInvalidName):
		return http.StatusBadRequest, "Invalid session name"
	case errors.Is(err, supervisor.ErrAlreadyExists):
		return http.StatusBadRequest, "Session name already exists"
	case errors.Is(err, supervisor.ErrNoCredentials):
		return http.StatusBadRequest, "No usable credentials for this session"
	case errors.Is(err, supervisor.ErrDeleted):
		return http.StatusConflict, "Session was deleted while starting"
	case errors.Is(err, supervisor.ErrConnectFailed):
		return http.StatusBadGateway, "Failed to connect session"
	case errors.Is(err, supervisor.ErrShuttingDown):
		return http.StatusServiceUnavailable, "Server is shutting down"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (s *Server) handlePairing(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.store.Get(mux.Vars(r)["name"])
	if !ok {
		writeMessage(w, http.StatusNotFound, "Session not found")
		return
	}
	if !sess.PairingAvailable() {
		writeMessage(w, http.StatusNotFound, "Pairing code not available for this session")
		return
	}
	img, err := PairingImage(sess.PairingCode)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to render pairing image")
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, PairingResponse{Success: true, PairingImage: img})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	err := s.manager.Delete(r.Context(), name)
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "Session not found")
	case err != nil:
		hlog.FromRequest(r).Err(err).Str("session", name).Msg("Failed to delete session")
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
	default:
		hlog.FromRequest(r).Info().Str("session", name).Msg("Session deleted")
		writeMessage(w, http.StatusOK, "Session deleted successfully")
	}
}

// PairingImage renders a pairing challenge as a PNG data URL.
func PairingImage(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("failed to encode pairing code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// NewHTTPServer wraps handler in an http.Server with the control surface
// timeouts. The write timeout leaves room for a session start that waits for
// its first connection outcome.
func NewHTTPServer(addr string, handler http.Handler, startTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: startTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
