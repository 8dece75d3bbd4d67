package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	observation "airsense-cloud/internal/observation/domain"
)

const defaultQueryLimit = 100

// Handler serves observation queries.
type Handler struct {
	store observation.Repository
}

// NewHandler constructs a handler.
func NewHandler(store observation.Repository) (*Handler, error) {
	if store == nil {
		return nil, errors.New("observations handler: nil store")
	}
	return &Handler{store: store}, nil
}

// ServeHTTP handles GET /api/v1/observations.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	filter := observation.QueryFilter{
		StationID: r.URL.Query().Get("station_id"),
		Limit:     defaultQueryLimit,
	}

	if value := r.URL.Query().Get("from"); value != "" {
		from, err := time.Parse(time.RFC3339, value)
		if err != nil {
			http.Error(w, "from must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.From = from
	}
	if value := r.URL.Query().Get("to"); value != "" {
		to, err := time.Parse(time.RFC3339, value)
		if err != nil {
			http.Error(w, "to must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.To = to
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}
	if value := r.URL.Query().Get("limit"); value != "" {
		limit, err := strconv.Atoi(value)
		if err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	list, err := h.store.Query(r.Context(), filter)
	if err != nil {
		http.Error(w, "query observations error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []observation.Observation{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}
