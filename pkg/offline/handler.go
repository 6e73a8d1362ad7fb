package offline

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// maxTileZoom is the deepest zoom the upstream tile host serves.
const maxTileZoom = 20

// Handler exposes the worker over HTTP: map tiles under /tiles/ and the
// page's third-party files under /vendor/.  Only URLs derived from the
// configured templates are fetched, so the handler is not an open proxy.
type Handler struct {
	Worker *Worker
	// TileURL is the upstream template with {s}, {z}, {x}, {y} and {r}.
	TileURL    string
	Subdomains string
	// Vendor maps a file name under /vendor/ to its upstream URL.
	Vendor map[string]string
	Logf   func(string, ...any)
}

// Register attaches the offline routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/tiles/", h.handleTile)
	mux.HandleFunc("/vendor/", h.handleVendor)
}

// InstallAssets returns the vendor URLs in a stable order; they are the
// worker's install list.
func InstallAssets(vendor map[string]string) []string {
	names := make([]string, 0, len(vendor))
	for name := range vendor {
		names = append(names, name)
	}
	sort.Strings(names)
	urls := make([]string, 0, len(names))
	for _, name := range names {
		urls = append(urls, vendor[name])
	}
	return urls
}

func (h *Handler) handleVendor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/vendor/")
	upstream, ok := h.Vendor[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.serve(w, r, upstream)
}

func (h *Handler) handleTile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	upstream, ok := h.TileUpstream(strings.TrimPrefix(r.URL.Path, "/tiles/"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.serve(w, r, upstream)
}

// TileUpstream turns "{s}/{z}/{x}/{y}{r}.png" into the upstream URL.
// It rejects subdomains outside the configured set and tile coordinates
// outside the zoom level's grid.
func (h *Handler) TileUpstream(path string) (string, bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 4 {
		return "", false
	}
	sub, zs, xs, last := parts[0], parts[1], parts[2], parts[3]
	if len(sub) != 1 || !strings.Contains(h.Subdomains, sub) {
		return "", false
	}
	if !strings.HasSuffix(last, ".png") {
		return "", false
	}
	ys := strings.TrimSuffix(last, ".png")
	retina := ""
	if strings.HasSuffix(ys, "@2x") {
		retina = "@2x"
		ys = strings.TrimSuffix(ys, "@2x")
	}

	z, err := strconv.Atoi(zs)
	if err != nil || z < 0 || z > maxTileZoom {
		return "", false
	}
	x, errX := strconv.Atoi(xs)
	y, errY := strconv.Atoi(ys)
	n := 1 << z
	if errX != nil || errY != nil || x < 0 || y < 0 || x >= n || y >= n {
		return "", false
	}

	return strings.NewReplacer(
		"{s}", sub,
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
		"{r}", retina,
	).Replace(h.TileURL), true
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, upstream string) {
	e, src, err := h.Worker.Fetch(r.Context(), upstream)
	if err != nil {
		if h.Logf != nil {
			h.Logf("offline: %s unavailable: %v", upstream, err)
		}
		http.Error(w, "unavailable offline", http.StatusGatewayTimeout)
		return
	}
	if e.ContentType != "" {
		w.Header().Set("Content-Type", e.ContentType)
	}
	w.Header().Set("X-Offline-Source", string(src))
	if e.Status == http.StatusOK {
		w.Header().Set("Cache-Control", "public, max-age=86400")
	}
	w.WriteHeader(e.Status)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(e.Body)
}
