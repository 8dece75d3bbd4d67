// Package mapping resolves raw sensor channel identifiers to canonical
// parameter names.
package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Resolver answers "what does raw channel X measure?" for a source
// location. Resolution order: static configuration, process-wide cache,
// auto-discovery against the location's metadata endpoint. The cache never
// expires on its own; Invalidate is the only way to drop an entry.
type Resolver struct {
	mu     sync.Mutex
	cache  map[string]map[string]string // location key -> channel -> parameter
	static map[string]map[string]string

	client *http.Client
	logger *log.Logger
}

// ResolverOption configures the resolver.
type ResolverOption func(*Resolver)

// WithStaticMappings registers explicit channel mappings for a location.
// Static entries win over anything discovery would produce.
func WithStaticMappings(locationKey string, channels map[string]string) ResolverOption {
	return func(r *Resolver) {
		if locationKey == "" || len(channels) == 0 {
			return
		}
		normalized := make(map[string]string, len(channels))
		for channel, parameter := range channels {
			normalized[channel] = NormalizeName(parameter)
		}
		r.static[locationKey] = normalized
	}
}

// WithHTTPClient overrides the discovery HTTP client.
func WithHTTPClient(client *http.Client) ResolverOption {
	return func(r *Resolver) {
		if client != nil {
			r.client = client
		}
	}
}

// NewResolver constructs a resolver.
func NewResolver(logger *log.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	r := &Resolver{
		cache:  make(map[string]map[string]string),
		static: make(map[string]map[string]string),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Mappings returns every known channel mapping for a location, discovering
// them from the metadata endpoint on first use. A location with no static
// config, no cache entry and no metadata URL yields an empty map. The
// returned map is the caller's own copy.
func (r *Resolver) Mappings(ctx context.Context, locationKey, metadataURL string) (map[string]string, error) {
	if locationKey == "" {
		return nil, errors.New("mapping resolver: empty location key")
	}

	r.mu.Lock()
	if channels, ok := r.static[locationKey]; ok {
		r.mu.Unlock()
		return cloneChannels(channels), nil
	}
	if channels, ok := r.cache[locationKey]; ok {
		r.mu.Unlock()
		return cloneChannels(channels), nil
	}
	r.mu.Unlock()

	if metadataURL == "" {
		return map[string]string{}, nil
	}

	// Network call happens outside the lock. Two goroutines racing on the
	// first use of a location may both fetch; the redundant work is cheaper
	// than finer-grained locking, and the first writer wins below.
	discovered, err := r.discover(ctx, metadataURL)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.cache[locationKey]; ok {
		return cloneChannels(existing), nil
	}
	r.cache[locationKey] = discovered
	r.logger.Printf("mapping resolver: cached %d channels for %s", len(discovered), locationKey)
	return cloneChannels(discovered), nil
}

func cloneChannels(channels map[string]string) map[string]string {
	out := make(map[string]string, len(channels))
	for id, name := range channels {
		out[id] = name
	}
	return out
}

// Resolve maps one channel to its canonical parameter name. The second
// return value is false for unknown channels; that is not an error, the
// caller simply excludes the channel.
func (r *Resolver) Resolve(ctx context.Context, locationKey, metadataURL, channelID string) (string, bool, error) {
	channels, err := r.Mappings(ctx, locationKey, metadataURL)
	if err != nil {
		return "", false, err
	}
	parameter, ok := channels[channelID]
	return parameter, ok, nil
}

// Invalidate drops the cached mappings for one location.
func (r *Resolver) Invalidate(locationKey string) {
	r.mu.Lock()
	delete(r.cache, locationKey)
	r.mu.Unlock()
}

// InvalidateAll clears the whole cache.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]map[string]string)
	r.mu.Unlock()
}

type metadataResponse struct {
	Channels []metadataChannel `json:"channels"`
	Sensors  []metadataChannel `json:"sensors"`
}

type metadataChannel struct {
	ID        string `json:"id"`
	Parameter string `json:"parameter"`
	Name      string `json:"name"`
}

// discover fetches the location metadata once and extracts every channel's
// declared parameter name. All discovered channels are kept, not only
// recognized pollutant names.
func (r *Resolver) discover(ctx context.Context, metadataURL string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mapping resolver: metadata fetch http %d", resp.StatusCode)
	}

	var payload metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	channels := payload.Channels
	if len(channels) == 0 {
		channels = payload.Sensors
	}

	discovered := make(map[string]string, len(channels))
	for _, channel := range channels {
		if channel.ID == "" {
			continue
		}
		declared := channel.Parameter
		if declared == "" {
			declared = channel.Name
		}
		if declared == "" {
			continue
		}
		discovered[channel.ID] = NormalizeName(declared)
	}
	return discovered, nil
}

// subscriptDigits maps Unicode subscript digits to their ASCII forms, so
// that "PM₂.₅" and "NO₂" normalize the same as "PM2.5" and "NO2".
var subscriptDigits = strings.NewReplacer(
	"₀", "0",
	"₁", "1",
	"₂", "2",
	"₃", "3",
	"₄", "4",
	"₅", "5",
	"₆", "6",
	"₇", "7",
	"₈", "8",
	"₉", "9",
)

// NormalizeName lower-cases a declared parameter name, converts subscript
// digits and strips separator characters.
func NormalizeName(name string) string {
	name = subscriptDigits.Replace(name)
	name = strings.ToLower(name)
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch r {
		case ' ', '.', '_', '-', '/':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
