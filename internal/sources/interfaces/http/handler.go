package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"airsense-cloud/internal/audit"
	"airsense-cloud/internal/auth"
	"airsense-cloud/internal/sources/application"
	sources "airsense-cloud/internal/sources/domain"
)

// Handler provides source catalog HTTP endpoints.
type Handler struct {
	registry    *application.Registry
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(registry *application.Registry, auditLogger audit.Logger) (*Handler, error) {
	if registry == nil {
		return nil, errors.New("sources handler: nil registry")
	}
	return &Handler{registry: registry, auditLogger: auditLogger}, nil
}

// ServeHTTP routes /api/v1/sources and /api/v1/sources/{id}/...
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/sources")
	path = strings.Trim(path, "/")

	switch {
	case path == "":
		switch r.Method {
		case http.MethodGet:
			h.handleList(w, r)
		case http.MethodPost:
			h.handleCreate(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case strings.HasSuffix(path, "/activate"):
		h.handleSetActive(w, r, strings.TrimSuffix(path, "/activate"), true)
	case strings.HasSuffix(path, "/deactivate"):
		h.handleSetActive(w, r, strings.TrimSuffix(path, "/deactivate"), false)
	default:
		if r.Method == http.MethodGet {
			h.handleGet(w, r, path)
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// sourceView is the wire shape of a source. Credentials never leave the
// service.
type sourceView struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Kind                string            `json:"kind"`
	Endpoint            string            `json:"endpoint"`
	Topic               string            `json:"topic,omitempty"`
	MetadataURL         string            `json:"metadataUrl,omitempty"`
	PollIntervalMinutes int               `json:"pollIntervalMinutes,omitempty"`
	Canonical           bool              `json:"canonical,omitempty"`
	FieldMappings       map[string]string `json:"fieldMappings,omitempty"`
	StationID           string            `json:"stationId"`
	Latitude            float64           `json:"latitude"`
	Longitude           float64           `json:"longitude"`
	Active              bool              `json:"active"`
	FailureCount        int               `json:"failureCount"`
	LastError           string            `json:"lastError,omitempty"`
	LastSuccessAt       string            `json:"lastSuccessAt,omitempty"`
}

func toView(source sources.Source) sourceView {
	view := sourceView{
		ID:                  source.ID,
		Name:                source.Name,
		Kind:                source.Kind,
		Endpoint:            source.Endpoint,
		Topic:               source.Topic,
		MetadataURL:         source.MetadataURL,
		PollIntervalMinutes: source.PollIntervalMinutes,
		Canonical:           source.Canonical,
		FieldMappings:       source.FieldMappings,
		StationID:           source.StationID,
		Latitude:            source.Latitude,
		Longitude:           source.Longitude,
		Active:              source.Active,
		FailureCount:        source.FailureCount,
		LastError:           source.LastError,
	}
	if !source.LastSuccessAt.IsZero() {
		view.LastSuccessAt = source.LastSuccessAt.Format(time.RFC3339)
	}
	return view
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.List(r.Context())
	if err != nil {
		http.Error(w, "list sources error", http.StatusInternalServerError)
		return
	}
	views := make([]sourceView, 0, len(list))
	for _, source := range list {
		views = append(views, toView(source))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	source, err := h.registry.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "get source error", http.StatusInternalServerError)
		return
	}
	if source == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toView(*source))
}

type createRequest struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Kind                string            `json:"kind"`
	Endpoint            string            `json:"endpoint"`
	Topic               string            `json:"topic"`
	Credentials         string            `json:"credentials"`
	MetadataURL         string            `json:"metadataUrl"`
	PollIntervalMinutes int               `json:"pollIntervalMinutes"`
	Canonical           bool              `json:"canonical"`
	FieldMappings       map[string]string `json:"fieldMappings"`
	Headers             map[string]string `json:"headers"`
	StationID           string            `json:"stationId"`
	Latitude            float64           `json:"latitude"`
	Longitude           float64           `json:"longitude"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	source := &sources.Source{
		ID:                  req.ID,
		Name:                req.Name,
		Kind:                req.Kind,
		Endpoint:            req.Endpoint,
		Topic:               req.Topic,
		Credentials:         req.Credentials,
		MetadataURL:         req.MetadataURL,
		PollIntervalMinutes: req.PollIntervalMinutes,
		Canonical:           req.Canonical,
		FieldMappings:       req.FieldMappings,
		Headers:             req.Headers,
		StationID:           req.StationID,
		Latitude:            req.Latitude,
		Longitude:           req.Longitude,
		Active:              true,
	}
	if err := h.registry.Save(r.Context(), source); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toView(*source))

	h.logAudit(r, "source.save", source.ID, source.StationID)
}

func (h *Handler) handleSetActive(w http.ResponseWriter, r *http.Request, id string, active bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if id == "" {
		http.Error(w, "source id required", http.StatusBadRequest)
		return
	}

	source, err := h.registry.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "get source error", http.StatusInternalServerError)
		return
	}
	if source == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if active {
		err = h.registry.Reactivate(r.Context(), id)
	} else {
		err = h.registry.Deactivate(r.Context(), id)
	}
	if err != nil {
		http.Error(w, "update source error", http.StatusInternalServerError)
		return
	}

	action := "source.deactivate"
	if active {
		action = "source.reactivate"
	}
	h.logAudit(r, action, id, source.StationID)

	updated, err := h.registry.Get(r.Context(), id)
	if err != nil || updated == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toView(*updated))
}

func (h *Handler) logAudit(r *http.Request, action, sourceID, stationID string) {
	if h.auditLogger == nil {
		return
	}
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "source",
		ResourceID:   sourceID,
		StationID:    stationID,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}
