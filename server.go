package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"

	"chronos-map/pkg/api"
	"chronos-map/pkg/config"
	"chronos-map/pkg/derived"
	"chronos-map/pkg/i18n"
	"chronos-map/pkg/interventions"
	"chronos-map/pkg/offline"
	"chronos-map/pkg/shareqr"
)

// localTileURL is the tile template the page uses when tiles go through
// the offline worker.
const localTileURL = "/tiles/{s}/{z}/{x}/{y}{r}.png"

type siteOptions struct {
	Config   config.Config
	Store    *interventions.Store
	Catalog  *i18n.Catalog
	Registry *prometheus.Registry
	Log      logrus.FieldLogger
	API      *api.Handler
	Offline  *offline.Handler
}

// site owns the page-level routes: the map, the share QR, the browser
// worker and the static files.
type site struct {
	siteOptions
	tmpl  *template.Template
	years []int
}

func newSite(opts siteOptions) (*site, error) {
	// translate is rebound per request in mapHandler.
	tmpl, err := template.New("map.html").Funcs(template.FuncMap{
		"translate": func(key string) string { return key },
	}).ParseFS(content, "public_html/map.html")
	if err != nil {
		return nil, fmt.Errorf("parse map template: %w", err)
	}
	return &site{
		siteOptions: opts,
		tmpl:        tmpl,
		years:       derived.DistinctYears(opts.Store.All()),
	}, nil
}

func (s *site) routes() http.Handler {
	mux := http.NewServeMux()

	staticFS, err := fs.Sub(content, "public_html/static")
	if err != nil {
		panic(err)
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	mux.HandleFunc("/", s.mapHandler)
	mux.HandleFunc("/manifest.json", s.manifestHandler)
	mux.HandleFunc("/sw.js", s.workerScriptHandler)
	mux.HandleFunc("/qrpng", s.qrPngHandler)
	if s.Registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))
	}
	if s.API != nil {
		s.API.Register(mux)
	}
	if s.Offline != nil {
		s.Offline.Register(mux)
	}
	return mux
}

// pageConfig is rendered into the page as window.CHRONOS.
type pageConfig struct {
	Center          [2]float64 `json:"center"`
	Zoom            float64    `json:"zoom"`
	MinZoom         float64    `json:"minZoom"`
	InvalidateDelay int64      `json:"invalidateDelay"`
	TileURL         string     `json:"tileURL"`
	Subdomains      string     `json:"subdomains"`
	Offline         bool       `json:"offline"`
	Year            *int       `json:"year"`

	Dossier     string `json:"dossier"`
	Selection   string `json:"selection"`
	Scanner     string `json:"scanner"`
	Coordinates string `json:"coordinates"`
	AllHistory  string `json:"allHistory"`
}

func (s *site) mapHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	lang := s.Catalog.FromRequest(r)
	translate := func(key string) string { return s.Catalog.Translate(lang, key) }

	tmpl, err := s.tmpl.Clone()
	if err != nil {
		s.Log.Errorf("clone template: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	tmpl.Funcs(template.FuncMap{"translate": translate})

	cfg := s.Config
	page := pageConfig{
		Center:          [2]float64{cfg.Map.CenterLat, cfg.Map.CenterLon},
		Zoom:            cfg.Map.InitialZoom,
		MinZoom:         cfg.Map.MinZoom,
		InvalidateDelay: cfg.Map.InvalidateDelay.Milliseconds(),
		TileURL:         cfg.Offline.TileURL,
		Subdomains:      cfg.Offline.Subdomains,
		Offline:         cfg.Offline.Enabled,
		Dossier:         translate("dossier"),
		Selection:       translate("selection"),
		Scanner:         translate("scanner"),
		Coordinates:     translate("coordinates"),
		AllHistory:      translate("all_history"),
	}
	if cfg.Offline.Enabled {
		page.TileURL = localTileURL
	}
	if y, ok := s.timelineYear(r.URL.Query().Get("year")); ok {
		page.Year = &y
	}

	data := struct {
		Lang    string
		Version string
		Page    pageConfig
	}{lang, CompileVersion, page}

	// Render into a buffer so a template error does not leave a half
	// written 200.
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		s.Log.Errorf("Error executing template: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := buf.WriteTo(w); err != nil {
		if isClientDisconnect(err) {
			s.Log.Debug("client disconnected while writing response")
		} else {
			s.Log.Warnf("Error writing response: %v", err)
		}
	}
}

// timelineYear parses raw and reports whether it names a timeline year.
func (s *site) timelineYear(raw string) (int, bool) {
	y, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	for _, v := range s.years {
		if v == y {
			return y, true
		}
	}
	return 0, false
}

func (s *site) manifestHandler(w http.ResponseWriter, r *http.Request) {
	b, err := content.ReadFile("public_html/manifest.json")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/manifest+json")
	_, _ = w.Write(b)
}

func (s *site) workerScriptHandler(w http.ResponseWriter, r *http.Request) {
	if !s.Config.Offline.Enabled {
		http.NotFound(w, r)
		return
	}
	var buf bytes.Buffer
	if err := offline.RenderScript(&buf, s.Config.Offline.CacheName, s.Config.Offline.PageAssets); err != nil {
		s.Log.Errorf("render sw.js: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = buf.WriteTo(w)
}

// qrPngHandler draws a QR code for the page filtered to ?year=.
func (s *site) qrPngHandler(w http.ResponseWriter, r *http.Request) {
	f := derived.AllYears()
	if raw := r.URL.Query().Get("year"); raw != "" && raw != "all" {
		y, ok := s.timelineYear(raw)
		if !ok {
			http.Error(w, "unknown year", http.StatusBadRequest)
			return
		}
		f = derived.OnlyYear(y)
	}

	base := s.Config.Server.PublicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host + "/"
	}
	u, err := shareqr.ShareURL(base, f)
	if err != nil {
		http.Error(w, "share url: "+err.Error(), http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := shareqr.EncodePNG(&buf, u, shareqr.DefaultOptions()); err != nil {
		http.Error(w, "QR encode: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Disposition", "inline; filename=\"chronos.png\"")
	_, _ = buf.WriteTo(w)
}

// withServerHeader adds "Server: chronos-map/<CompileVersion>" to every
// response and answers HEAD / with an empty 200 for liveness checks.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "chronos-map/"+CompileVersion)

		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serveWithDomain runs
//   - :80  ACME HTTP-01 plus a 301 redirect to https://<domain>/...
//   - :443 HTTPS with Let's Encrypt certificates.
//
// When autocert cannot issue for a host (bare IP, odd SNI) the last
// certificate obtained for domain is served instead.  Both listeners stop
// when ctx is cancelled.
func serveWithDomain(ctx context.Context, domain string, handler http.Handler, log logrus.FieldLogger) error {
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			if host == domain || host == "www."+domain {
				return nil
			}
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	mux80 := http.NewServeMux()
	mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
	mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+domain+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
	srv80 := &http.Server{Addr: ":80", Handler: mux80, ReadHeaderTimeout: 10 * time.Second}

	var fallback atomic.Pointer[tls.Certificate]
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
			if err == nil {
				fallback.Store(c)
			} else {
				log.Warnf("autocert check: %v", err)
			}
			wait := 24 * time.Hour
			if fallback.Load() == nil {
				wait = time.Minute
			}
			t.Reset(wait)
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()

	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS12
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(chi)
		if err == nil {
			return c, nil
		}
		if fb := fallback.Load(); fb != nil {
			return fb, nil
		}
		return nil, err
	}
	srv443 := &http.Server{Addr: ":443", Handler: handler, TLSConfig: tlsCfg, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 2)
	go func() {
		log.Info("HTTP  server (ACME+redirect) ➜ :80")
		errc <- srv80.ListenAndServe()
	}()
	go func() {
		log.Infof("HTTPS server for %s ➜ :443", domain)
		errc <- srv443.ListenAndServeTLS("", "")
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = shutdown(log, srv80, srv443)
			return fmt.Errorf("listener: %w", err)
		}
	case <-ctx.Done():
	}
	return shutdown(log, srv80, srv443)
}

func isClientDisconnect(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, context.Canceled)
}
