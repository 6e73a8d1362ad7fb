package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"chronos-map/pkg/api"
	"chronos-map/pkg/config"
	"chronos-map/pkg/database"
	"chronos-map/pkg/derived"
	"chronos-map/pkg/i18n"
	"chronos-map/pkg/interventions"
	"chronos-map/pkg/logger"
	"chronos-map/pkg/metrics"
	"chronos-map/pkg/offline"
	"chronos-map/pkg/selection"
	"chronos-map/pkg/view"
)

//go:embed public_html/map.html public_html/manifest.json public_html/translations.json public_html/static
var content embed.FS

var CompileVersion = "dev"

const installRunID = "offline"

var rootCmd = &cobra.Command{
	Use:   "chronos-map",
	Short: "Interactive map of US interventions abroad, 1846 to today.",
	Long: `chronos-map serves the CHRONOS map: every recorded US intervention on a
world map with a year slider, header counters and a dossier panel.

Run without a subcommand to start the server.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the map server",
	RunE:  runServe,
}

var yearsCmd = &cobra.Command{
	Use:   "years",
	Short: "Print the distinct years on the timeline",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := interventions.LoadEmbedded()
		if err != nil {
			return err
		}
		for _, y := range derived.DistinctYears(store.All()) {
			fmt.Fprintln(cmd.OutOrStdout(), y)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the header counters for one year or all history",
	RunE:  runStats,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "chronos-map version %s\n", CompileVersion)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "chronos.toml", "TOML config file; a missing file is ignored")
	pf.StringP("log-level", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")

	// Server flags live on root so `chronos-map --port 9000` and
	// `chronos-map serve --port 9000` behave the same.
	pf.Int("port", 8765, "Port for running the server")
	pf.String("domain", "", "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
	pf.String("public-url", "", "Absolute URL used in share QR codes (default: derived from the request)")
	pf.String("cache-db", "sqlite", "Offline cache store: memory, sqlite, genji, duckdb, or pgx (postgresql)")
	pf.String("db-path", "", "Path to the cache database file (genji, sqlite, duckdb)")
	pf.String("db-host", "127.0.0.1", "Database host (pgx)")
	pf.Int("db-port", 5432, "Database port (pgx)")
	pf.String("db-user", "postgres", "Database user (pgx)")
	pf.String("db-pass", "", "Database password (pgx)")
	pf.String("db-name", "chronos", "Database name (pgx)")
	pf.String("pg-ssl-mode", "prefer", "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")
	pf.String("tile-url", "", "Upstream tile template with {s}, {z}, {x}, {y} and {r}")
	pf.Bool("offline", true, "Pre-cache vendor files for offline use")
	pf.Bool("trust-proxy", false, "Take the client IP from X-Forwarded-For (only behind a reverse proxy)")

	statsCmd.Flags().String("year", "", "Year to count (default: all history)")

	rootCmd.AddCommand(serveCmd, yearsCmd, statsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from --log-level.
func newLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	levelString, _ := cmd.Flags().GetString("log-level")
	level, err := logrus.ParseLevel(levelString)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log, nil
}

// loadConfig layers defaults, the TOML file and explicitly set flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.LoadFile(path, config.Default())
	if err != nil {
		return cfg, err
	}

	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("domain") {
		cfg.Server.Domain, _ = flags.GetString("domain")
	}
	if flags.Changed("public-url") {
		cfg.Server.PublicURL, _ = flags.GetString("public-url")
	}
	if flags.Changed("cache-db") {
		cfg.Database.Type, _ = flags.GetString("cache-db")
	}
	if flags.Changed("db-path") {
		cfg.Database.Path, _ = flags.GetString("db-path")
	}
	if flags.Changed("db-host") {
		cfg.Database.Host, _ = flags.GetString("db-host")
	}
	if flags.Changed("db-port") {
		cfg.Database.Port, _ = flags.GetInt("db-port")
	}
	if flags.Changed("db-user") {
		cfg.Database.User, _ = flags.GetString("db-user")
	}
	if flags.Changed("db-pass") {
		cfg.Database.Pass, _ = flags.GetString("db-pass")
	}
	if flags.Changed("db-name") {
		cfg.Database.Name, _ = flags.GetString("db-name")
	}
	if flags.Changed("pg-ssl-mode") {
		cfg.Database.PGSSLMode, _ = flags.GetString("pg-ssl-mode")
	}
	if flags.Changed("tile-url") {
		cfg.Offline.TileURL, _ = flags.GetString("tile-url")
	}
	if flags.Changed("offline") {
		cfg.Offline.Enabled, _ = flags.GetBool("offline")
	}
	if flags.Changed("trust-proxy") {
		cfg.API.TrustProxy, _ = flags.GetBool("trust-proxy")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mapping, err := cfg.CounterMapping()
	if err != nil {
		return err
	}
	store, err := interventions.LoadEmbedded()
	if err != nil {
		return err
	}

	f := derived.AllYears()
	if raw, _ := cmd.Flags().GetString("year"); raw != "" && raw != "all" {
		y, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("year %q is not a number", raw)
		}
		f = derived.OnlyYear(y)
	}

	visible := derived.FilterByYear(store.All(), f)
	counts := derived.ComputeCounts(visible, f, mapping, nil)
	label := "all"
	if y, ok := f.Year(); ok {
		label = strconv.Itoa(y)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "year:       %s\n", label)
	fmt.Fprintf(out, "records:    %d\n", len(visible))
	fmt.Fprintf(out, "operations: %d\n", counts.Operations)
	fmt.Fprintf(out, "coups:      %d\n", counts.Coups)
	if counts.Untallied > 0 {
		fmt.Fprintf(out, "untallied:  %d\n", counts.Untallied)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	log, err := newLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	logger.SetOutput(log)
	defer logger.Sync()

	if CompileVersion == "dev" {
		CompileVersion = "latest"
	}

	if cfg.Server.Domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		log.Warn("Binding to :80 / :443 requires super-user rights; run with sudo or as root.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := interventions.LoadEmbedded()
	if err != nil {
		return fmt.Errorf("load interventions: %w", err)
	}
	log.Infof("loaded %d interventions across %d years", store.Len(), len(derived.DistinctYears(store.All())))

	mapping, err := cfg.CounterMapping()
	if err != nil {
		return err
	}
	viewOpts := view.Options{Radius: cfg.Radius, Counters: mapping, Logf: log.Debugf}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	clock := clockwork.NewRealClock()
	sessions := selection.NewSessions(selection.SessionsOptions{
		IdleTTL:     cfg.Sessions.IdleTTL.Duration,
		InitialZoom: cfg.Map.InitialZoom,
		Clock:       clock,
		OnChange:    func(active int) { m.SessionsActive.Set(float64(active)) },
	})
	defer sessions.Close()

	var cache *api.ResponseCache
	if cfg.API.CacheTTL.Duration > 0 {
		cache = api.NewResponseCache(cfg.API.CacheTTL.Duration, clock)
		defer cache.Close()
	}
	limiter := api.NewRateLimiter(cfg.API.SessionCooldown.Duration, clock)

	cacheStore, closeStore, err := openCacheStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	assets := offline.InstallAssets(cfg.Offline.Vendor)
	worker := offline.NewWorker(offline.Options{
		Name:    cfg.Offline.CacheName,
		Assets:  assets,
		Store:   cacheStore,
		Network: offline.NewHTTPNetwork(cfg.Offline.NetworkTimeout.Duration, "chronos-map/"+CompileVersion),
		Clock:   clock,
		Metrics: m,
		Logf:    logger.Logf(installRunID),
	})
	if cfg.Offline.Enabled {
		go func() {
			logger.Begin(installRunID)
			if err := worker.Start(ctx); err != nil {
				logger.FlushError(installRunID, fmt.Errorf("offline cache %s: %w", cfg.Offline.CacheName, err))
				return
			}
			logger.Success(installRunID, fmt.Sprintf("offline cache %s ready: %d assets", cfg.Offline.CacheName, len(assets)))
		}()
	}

	catalog, err := i18n.Load(mustRead("public_html/translations.json"))
	if err != nil {
		return err
	}
	s, err := newSite(siteOptions{
		Config:   cfg,
		Store:    store,
		Catalog:  catalog,
		Registry: reg,
		Log:      log,
		API: &api.Handler{
			Store:    store,
			Sessions: sessions,
			View:     viewOpts,
			Cache:    cache,
			Limiter:  limiter,
			Metrics:  m,
			Logf:     log.Warnf,

			TrustProxy: cfg.API.TrustProxy,
		},
		Offline: &offline.Handler{
			Worker:     worker,
			TileURL:    cfg.Offline.TileURL,
			Subdomains: cfg.Offline.Subdomains,
			Vendor:     cfg.Offline.Vendor,
			Logf:       log.Debugf,
		},
	})
	if err != nil {
		return err
	}
	rootHandler := withServerHeader(s.routes())

	if cfg.Server.Domain != "" {
		return serveWithDomain(ctx, cfg.Server.Domain, rootHandler, log)
	}
	return serveHTTP(ctx, fmt.Sprintf(":%d", cfg.Server.Port), rootHandler, log)
}

// openCacheStore returns the offline store named by database.type.
func openCacheStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (offline.Store, func(), error) {
	if cfg.Database.Type == "memory" || !cfg.Offline.Enabled {
		return offline.NewMemoryStore(), func() {}, nil
	}
	dbCfg := database.Config{
		DBType:    cfg.Database.Type,
		DBPath:    cfg.Database.Path,
		DBConn:    cfg.Database.Conn,
		DBHost:    cfg.Database.Host,
		DBPort:    cfg.Database.Port,
		DBUser:    cfg.Database.User,
		DBPass:    cfg.Database.Pass,
		DBName:    cfg.Database.Name,
		PGSSLMode: cfg.Database.PGSSLMode,
		Port:      cfg.Server.Port,
		Logf:      log.Infof,
	}
	db, err := database.NewDatabase(dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("DB init: %w", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("DB schema: %w", err)
	}
	return db, func() {
		if err := db.Close(); err != nil {
			log.Warnf("DB close: %v", err)
		}
	}, nil
}

// serveHTTP runs plain HTTP on addr until ctx is cancelled.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, log logrus.FieldLogger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Infof("HTTP server ➜ http://localhost%s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
	}
	return shutdown(log, srv)
}

func shutdown(log logrus.FieldLogger, servers ...*http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var firstErr error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	log.Info("server stopped")
	return firstErr
}

func mustRead(name string) []byte {
	b, err := content.ReadFile(name)
	if err != nil {
		panic(err)
	}
	return b
}
