// Package httpapi exposes the record store over the JSON API the client
// speaks: zones, batched record writes, change feeds, shares, participants
// and subscriptions, plus the websocket push endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/dmitrijs2005/carelog/internal/common"
	"github.com/dmitrijs2005/carelog/internal/logging"
	"github.com/dmitrijs2005/carelog/internal/server/auth"
	"github.com/dmitrijs2005/carelog/internal/server/push"
	"github.com/dmitrijs2005/carelog/internal/server/storage"
)

// Server routes API requests onto the storage engine and push hub.
type Server struct {
	store    *storage.Storage
	auth     *auth.Service
	hub      *push.Hub
	log      logging.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
}

func New(store *storage.Storage, authSvc *auth.Service, hub *push.Hub, log logging.Logger) *Server {
	return &Server{
		store:    store,
		auth:     authSvc,
		hub:      hub,
		log:      log.With("component", "httpapi"),
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.auth.Middleware)
	api.HandleFunc("/zones/{zone}", s.handleEnsureZone).Methods(http.MethodPut)
	api.HandleFunc("/zones/{zone}", s.handleDeleteZone).Methods(http.MethodDelete)
	api.HandleFunc("/zones/{zone}/records", s.handleSaveRecords).Methods(http.MethodPost)
	api.HandleFunc("/zones/{zone}/records/delete", s.handleDeleteRecords).Methods(http.MethodPost)
	api.HandleFunc("/zones/{zone}/records/{name}", s.handleFetchRecord).Methods(http.MethodGet)
	api.HandleFunc("/zones/{zone}/changes", s.handleChanges).Methods(http.MethodGet)
	api.HandleFunc("/zones/{zone}/shares", s.handleCreateShare).Methods(http.MethodPost)
	api.HandleFunc("/shares/accept", s.handleAcceptShare).Methods(http.MethodPost)
	api.HandleFunc("/shares/{share}", s.handleResolveShare).Methods(http.MethodGet)
	api.HandleFunc("/shares/{share}", s.handleDeleteShare).Methods(http.MethodDelete)
	api.HandleFunc("/shares/{share}/participants/{participant}", s.handleUpdateParticipant).Methods(http.MethodPatch)
	api.HandleFunc("/shares/{share}/participants/{participant}", s.handleRemoveParticipant).Methods(http.MethodDelete)
	api.HandleFunc("/subscriptions/{scope}", s.handleEnsureSubscription).Methods(http.MethodPut)

	r.HandleFunc("/ws", s.handleWebSocket)

	return r
}

// writeError translates the shared error taxonomy back into status codes,
// mirroring the mapping the client applies on its side.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	switch {
	case errors.Is(err, common.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, common.ErrUnauthorized):
		code = http.StatusForbidden
	case errors.Is(err, common.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, common.ErrValidation):
		code = http.StatusBadRequest
	default:
		s.log.Error(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		code = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (s *Server) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return common.ErrValidation
	}
	if err := s.validate.Struct(dst); err != nil {
		return common.ErrValidation
	}
	return nil
}

type registerRequest struct {
	UserID       string `json:"user_id"`
	DeviceSecret string `json:"device_secret" validate:"required,min=8"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	userID, deviceID, token, err := s.auth.Register(req.UserID, req.DeviceSecret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"user_id":   userID,
		"device_id": deviceID,
		"token":     token,
	})
}

type loginRequest struct {
	DeviceID     string `json:"device_id" validate:"required"`
	DeviceSecret string `json:"device_secret" validate:"required"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.auth.Login(req.DeviceID, req.DeviceSecret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleEnsureZone(w http.ResponseWriter, r *http.Request) {
	zoneID := mux.Vars(r)["zone"]
	if err := s.store.EnsureZone(auth.UserID(r.Context()), zoneID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request) {
	zoneID := mux.Vars(r)["zone"]
	if err := s.store.DeleteZone(auth.UserID(r.Context()), zoneID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// recordEnvelope checks the minimum shape the server insists on before a
// record is stored; the rest of the payload is opaque to it.
type recordEnvelope struct {
	Name   string `json:"name" validate:"required"`
	Type   string `json:"type" validate:"required,oneof=CareProfile CareEvent"`
	ZoneID string `json:"zone_id" validate:"required"`
}

func (s *Server) handleSaveRecords(w http.ResponseWriter, r *http.Request) {
	zoneID := mux.Vars(r)["zone"]

	var req struct {
		Records []json.RawMessage `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, common.ErrValidation)
		return
	}

	records := make([]storage.Record, 0, len(req.Records))
	for _, raw := range req.Records {
		var env recordEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.writeError(w, r, common.ErrValidation)
			return
		}
		if err := s.validate.Struct(env); err != nil || env.ZoneID != zoneID {
			s.writeError(w, r, common.ErrValidation)
			return
		}
		records = append(records, storage.Record{Name: env.Name, Raw: raw})
	}

	userID := auth.UserID(r.Context())
	if err := s.store.SaveRecords(userID, zoneID, records); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.notifyZone(r, zoneID, "records_saved")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteRecords(w http.ResponseWriter, r *http.Request) {
	zoneID := mux.Vars(r)["zone"]

	var req struct {
		Names []string `json:"names" validate:"required,min=1"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.store.DeleteRecords(auth.UserID(r.Context()), zoneID, req.Names); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.notifyZone(r, zoneID, "records_deleted")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleFetchRecord(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	raw, err := s.store.FetchRecord(auth.UserID(r.Context()), vars["zone"], vars["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	zoneID := mux.Vars(r)["zone"]
	since := r.URL.Query().Get("since")

	records, deleted, token, more, err := s.store.Changes(auth.UserID(r.Context()), zoneID, since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if records == nil {
		records = []json.RawMessage{}
	}
	if deleted == nil {
		deleted = []string{}
	}
	s.writeJSON(w, http.StatusOK, struct {
		Records []json.RawMessage `json:"records"`
		Deleted []string          `json:"deleted"`
		Token   string            `json:"token"`
		More    bool              `json:"more"`
	}{records, deleted, token, more})
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	zoneID := mux.Vars(r)["zone"]

	var req struct {
		RootRecord string `json:"root_record" validate:"required"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	share, err := s.store.CreateShare(auth.UserID(r.Context()), zoneID, req.RootRecord)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, share)
}

func (s *Server) handleResolveShare(w http.ResponseWriter, r *http.Request) {
	share, err := s.store.ResolveShare(auth.UserID(r.Context()), mux.Vars(r)["share"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, share)
}

func (s *Server) handleDeleteShare(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteShare(auth.UserID(r.Context()), mux.Vars(r)["share"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAcceptShare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InviteToken string `json:"invite_token" validate:"required"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	share, err := s.store.AcceptShare(auth.UserID(r.Context()), req.InviteToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.notifyZone(r, share.ZoneID, "share_accepted")
	s.writeJSON(w, http.StatusOK, share)
}

func (s *Server) handleUpdateParticipant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req struct {
		Permission string `json:"permission" validate:"required,oneof=edit readonly"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	err := s.store.UpdateParticipant(auth.UserID(r.Context()), vars["share"], vars["participant"], req.Permission)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := s.store.RemoveParticipant(auth.UserID(r.Context()), vars["share"], vars["participant"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEnsureSubscription(w http.ResponseWriter, r *http.Request) {
	scope := mux.Vars(r)["scope"]

	var req struct {
		SubscriptionID string `json:"subscription_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, common.ErrValidation)
		return
	}

	id, err := s.store.EnsureSubscription(auth.UserID(r.Context()), scope, req.SubscriptionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"subscription_id": id})
}

// handleWebSocket authenticates, upgrades and hands the socket to the hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	s.hub.Register(claims.UserID, claims.DeviceID, conn)
}

// notifyZone pushes a change notice to everyone with access to the zone,
// excluding the device that performed the request.
func (s *Server) notifyZone(r *http.Request, zoneID, reason string) {
	audience := s.store.ZoneAudience(zoneID)
	s.hub.Notify(zoneID, reason, auth.DeviceID(r.Context()), audience)
}
