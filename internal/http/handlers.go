package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tileview/internal/config"
	"tileview/internal/pyramid"
	"tileview/internal/serializer"
	"tileview/internal/tile"
)

// maxPrefetchTiles caps the tiles a single prefetch request may queue.
const maxPrefetchTiles = 4096

// Pyramid is the part of the caching pyramid the handlers use.
type Pyramid interface {
	GetTileStream(ctx context.Context, layer string, ser serializer.Serializer[[]byte], key tile.Key) (io.Reader, error)
	ReadMetaData(ctx context.Context, layer string) (string, error)
	RequestTiles(layer string, ser serializer.Serializer[[]byte], keys []tile.Key)
	AddLayerListener(l pyramid.LayerListener)
}

// Layer is a layer as served over HTTP.
type Layer struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Extension   string `json:"extension"`

	ser serializer.Serializer[[]byte]
}

func NewLayer(id, contentType, ext string) Layer {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if ext == "" {
		ext = "bin"
	}
	return Layer{ID: id, ContentType: contentType, Extension: ext, ser: serializer.NewRaw(contentType)}
}

// Serializer returns the serializer tiles of the layer are read with.
func (l Layer) Serializer() serializer.Serializer[[]byte] {
	return l.ser
}

type Handlers struct {
	config  *config.Config
	logger  *zap.Logger
	pyramid Pyramid
	started time.Time

	mu       sync.RWMutex
	layers   map[string]Layer
	modified map[string]time.Time
}

func New(config *config.Config, logger *zap.Logger, p Pyramid) *Handlers {
	h := &Handlers{
		config:   config,
		logger:   logger,
		pyramid:  p,
		started:  time.Now().UTC().Truncate(time.Second),
		layers:   make(map[string]Layer),
		modified: make(map[string]time.Time),
	}
	p.AddLayerListener(h)
	return h
}

// AddLayer makes a layer reachable under /api/layers/{id}.
func (h *Handlers) AddLayer(l Layer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.layers[l.ID] = l
}

func (h *Handlers) layer(id string) (Layer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	l, ok := h.layers[id]
	return l, ok
}

// LayerDataChanged records when tiles of layer were last provided.
func (h *Handlers) LayerDataChanged(layer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modified[layer] = time.Now().UTC().Truncate(time.Second)
}

func (h *Handlers) lastModified(layer string) time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t, ok := h.modified[layer]; ok {
		return t
	}
	return h.started
}

// Routes registers the API on a new mux.
func (h *Handlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/layers", h.HandleLayers)
	mux.HandleFunc("/api/layers/", h.HandleLayerRoutes)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	return mux
}

func (h *Handlers) HandleLayers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.mu.RLock()
	layers := make([]Layer, 0, len(h.layers))
	for _, l := range h.layers {
		layers = append(layers, l)
	}
	h.mu.RUnlock()
	sort.Slice(layers, func(i, j int) bool { return layers[i].ID < layers[j].ID })

	writeJSON(w, http.StatusOK, layers)
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleLayerRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/layers/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	l, ok := h.layer(parts[0])
	if !ok {
		http.Error(w, "Unknown layer", http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "meta":
		h.handleMeta(w, r, l)
	case len(parts) == 2 && parts[1] == "prefetch":
		h.handlePrefetch(w, r, l)
	case len(parts) == 5 && parts[1] == "tiles":
		h.handleTile(w, r, l, parts[2:])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleMeta(w http.ResponseWriter, r *http.Request, l Layer) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	meta, err := h.pyramid.ReadMetaData(r.Context(), l.ID)
	if err != nil {
		h.logger.Error("Failed to read metadata", zap.String("layer", l.ID), zap.Error(err))
		http.Error(w, "Failed to read metadata", http.StatusInternalServerError)
		return
	}
	if meta == "" {
		http.Error(w, "No metadata", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, meta)
}

func parseTilePath(parts []string) (tile.Key, string, error) {
	z, err := strconv.Atoi(parts[0])
	if err != nil {
		return tile.Key{}, "", errors.New("invalid zoom level")
	}
	x, err := strconv.Atoi(parts[1])
	if err != nil {
		return tile.Key{}, "", errors.New("invalid x coordinate")
	}
	ext := filepath.Ext(parts[2])
	y, err := strconv.Atoi(strings.TrimSuffix(parts[2], ext))
	if err != nil {
		return tile.Key{}, "", errors.New("invalid y coordinate")
	}

	key := tile.NewKey(z, x, y)
	if !key.Valid() {
		return tile.Key{}, "", errors.New("coordinates must be non-negative")
	}
	return key, strings.TrimPrefix(ext, "."), nil
}

// tileETag changes whenever the layer receives new data.
func tileETag(layer string, key tile.Key, version time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%s@%d", layer, key, version.Unix())))
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func (h *Handlers) handleTile(w http.ResponseWriter, r *http.Request, l Layer, tileParts []string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key, ext, err := parseTilePath(tileParts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ext != l.Extension {
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}

	stream, err := h.pyramid.GetTileStream(r.Context(), l.ID, l.ser, key)
	if err != nil {
		h.logger.Error("Failed to read tile", zap.String("layer", l.ID), zap.Stringer("tile", key), zap.Error(err))
		http.Error(w, "Failed to read tile", http.StatusInternalServerError)
		return
	}
	if stream == nil {
		http.Error(w, "Tile not found", http.StatusNotFound)
		return
	}
	data, err := io.ReadAll(stream)
	if err != nil {
		http.Error(w, "Failed to read tile", http.StatusInternalServerError)
		return
	}

	modified := h.lastModified(l.ID)
	etag := tileETag(l.ID, key, modified)
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "public, max-age=300")

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", l.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Tile-Bytes", strconv.Itoa(len(data)))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(data)
}

type prefetchRequest struct {
	Tiles  []string     `json:"tiles"`
	Bounds *tile.Bounds `json:"bounds"`
}

func (r prefetchRequest) keys() ([]tile.Key, error) {
	keys := make([]tile.Key, 0, len(r.Tiles))
	for _, s := range r.Tiles {
		k, err := tile.ParseKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if r.Bounds != nil {
		if !r.Bounds.Valid() {
			return nil, fmt.Errorf("invalid bounds %s", r.Bounds)
		}
		if r.Bounds.Size() > maxPrefetchTiles {
			return nil, fmt.Errorf("bounds cover more than %d tiles", maxPrefetchTiles)
		}
		keys = append(keys, r.Bounds.Keys()...)
	}
	if len(keys) > maxPrefetchTiles {
		return nil, fmt.Errorf("more than %d tiles requested", maxPrefetchTiles)
	}
	return keys, nil
}

func (h *Handlers) handlePrefetch(w http.ResponseWriter, r *http.Request, l Layer) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req prefetchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	keys, err := req.keys()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.pyramid.RequestTiles(l.ID, l.ser, keys)
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": len(keys)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
