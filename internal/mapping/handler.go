package mapping

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// InvalidateHandler exposes manual cache invalidation. There is no TTL on
// discovered mappings; this endpoint is the only way to force a refresh.
type InvalidateHandler struct {
	resolver *Resolver
}

// NewInvalidateHandler constructs a handler.
func NewInvalidateHandler(resolver *Resolver) (*InvalidateHandler, error) {
	if resolver == nil {
		return nil, errors.New("mapping handler: nil resolver")
	}
	return &InvalidateHandler{resolver: resolver}, nil
}

// ServeHTTP handles POST /api/v1/mappings/invalidate. An empty body or an
// empty location clears the whole cache.
func (h *InvalidateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Location string `json:"location"`
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	if req.Location == "" {
		h.resolver.InvalidateAll()
	} else {
		h.resolver.Invalidate(req.Location)
	}
	w.WriteHeader(http.StatusNoContent)
}
