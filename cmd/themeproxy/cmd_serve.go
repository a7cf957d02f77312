package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/themeproxy/internal/errx"
	"github.com/jingkaihe/themeproxy/pkg/api"
	"github.com/jingkaihe/themeproxy/pkg/cache"
	"github.com/jingkaihe/themeproxy/pkg/filter"
	"github.com/jingkaihe/themeproxy/pkg/logging"
	"github.com/jingkaihe/themeproxy/pkg/merge"
	"github.com/jingkaihe/themeproxy/pkg/metrics"
	"github.com/jingkaihe/themeproxy/pkg/resolve"
	"github.com/jingkaihe/themeproxy/pkg/theme"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a reverse proxy that themes backend HTML responses",
	Long: `Run a reverse proxy in front of --backend that merges HTML responses into
the theme according to the rules.

Without --live the theme is compiled once before the listener opens and a
compile failure stops the server from starting. With --live the theme and
rules are read again for every themed response.

Responses are left untouched when the request path matches a --notheme
pattern, the backend sets the no-theme header, the content is not HTML,
the path has a static-asset extension, or the status is 3xx, 204 or 401.`,
	Example: `  themeproxy serve --backend http://localhost:8000 -t theme/index.html -r rules.xml
  themeproxy serve --backend http://localhost:8000 -t theme/index.html -r rules.xml --live --notheme '/admin'
  themeproxy serve --backend http://localhost:8000 --compiled theme.bin`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	addThemeFlags(serveCmd.Flags())
	serveCmd.Flags().String("listen", api.DefaultListen, "Address to listen on")
	serveCmd.Flags().String("backend", "", "Backend URL to proxy (required)")
	serveCmd.Flags().Bool("live", false, "Recompile the theme for every themed response")
	serveCmd.Flags().StringArray("notheme", nil, "Path regex, matched from the start, that is never themed (can be repeated)")
	serveCmd.Flags().String("notheme-header", api.DefaultNoThemeHeader, "Backend response header that disables theming")
	serveCmd.Flags().String("compiled", "", "Serve an artifact written by 'themeproxy compile' instead of compiling")
	serveCmd.Flags().String("metrics-path", api.DefaultMetricsPath, "Path of the prometheus endpoint (empty disables it)")
	serveCmd.Flags().String("event-log", "", "Append theming events as JSON lines to this file (- for stderr)")
	serveCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "Time to wait for in-flight requests on shutdown")

	rootCmd.AddCommand(serveCmd)
}

func serveConfigFromViper() (*api.ServeConfig, error) {
	spec, err := themeSpecFromViper()
	if err != nil {
		return nil, err
	}
	packages, err := api.ParsePackages(stringList("package"))
	if err != nil {
		return nil, err
	}
	return &api.ServeConfig{
		Listen:        viper.GetString("listen"),
		Backend:       viper.GetString("backend"),
		Live:          viper.GetBool("live"),
		NoTheme:       api.SplitNoTheme(stringList("notheme")),
		NoThemeHeader: viper.GetString("notheme-header"),
		Compiled:      viper.GetString("compiled"),
		MetricsPath:   viper.GetString("metrics-path"),
		EventLog:      viper.GetString("event-log"),
		Packages:      packages,
		Theme:         spec,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := serveConfigFromViper()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := contextWithSignal(context.Background())
	defer cancel()

	logger := slog.Default().With("component", "serve")
	srv, err := newServer(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			"addr", cfg.Listen,
			"backend", cfg.Backend,
			"mode", srv.transforms.Mode(),
			"metrics_path", cfg.MetricsPath,
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return errx.Wrap(ErrStartListener, err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := viper.GetDuration("shutdown-timeout")
	shutdownCtx, shutdownCancel := closeContext(timeout)
	defer shutdownCancel()
	logger.Info("shutting down", "timeout", timeout)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errx.Wrap(ErrShutdown, err)
	}
	return nil
}

// server is everything serve wires together, minus the listener.
type server struct {
	handler    http.Handler
	transforms cache.Controller
	metrics    *metrics.Metrics
	emitter    *logging.Emitter
}

// newServer builds the handler for cfg. In static mode the theme is
// compiled here, so a broken theme fails before anything listens.
func newServer(ctx context.Context, cfg *api.ServeConfig, logger *slog.Logger) (*server, error) {
	backend, err := url.Parse(cfg.Backend)
	if err != nil {
		return nil, errx.With(api.ErrConfig, ": backend %q: %w", cfg.Backend, err)
	}

	s := &server{metrics: metrics.New()}
	sinks := []logging.Sink{logging.NewSlogSink(logger, slog.LevelDebug)}
	if cfg.EventLog != "" {
		w, err := logging.NewJSONLWriter(cfg.EventLog)
		if err != nil {
			return nil, errx.Wrap(ErrOpenEventLog, err)
		}
		sinks = append(sinks, w)
	}
	s.emitter = logging.NewEmitter(logging.EmitterConfig{
		RunID:   uuid.NewString(),
		Service: "themeproxy",
	}, sinks...)

	resolver := resolve.New(cfg.Theme.AccessPolicy(),
		resolve.WithPackages(resolve.Packages(cfg.Packages)),
		resolve.WithLogger(logger),
	)
	compiler := theme.NewCompiler(resolver, logger,
		theme.WithMetrics(s.metrics),
		theme.WithEmitter(s.emitter),
	)

	s.transforms, err = newController(ctx, cfg, compiler)
	if err != nil {
		s.Close()
		return nil, err
	}

	mw, err := filter.New(s.transforms, filter.Config{
		NoTheme:       cfg.NoTheme,
		NoThemeHeader: cfg.GetNoThemeHeader(),
		Logger:        logger,
		Metrics:       s.metrics,
		Emitter:       s.emitter,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.MetricsPath != "" {
		r.Method(http.MethodGet, cfg.MetricsPath, s.metrics.Handler())
	}
	r.Handle("/*", mw.Wrap(newReverseProxy(backend, logger)))
	s.handler = r
	return s, nil
}

func newController(ctx context.Context, cfg *api.ServeConfig, compiler *theme.Compiler) (cache.Controller, error) {
	if cfg.Compiled != "" {
		data, err := os.ReadFile(cfg.Compiled)
		if err != nil {
			return nil, errx.Wrap(ErrReadArtifact, err)
		}
		t, err := merge.Load(data, compiler.Deps())
		if err != nil {
			return nil, errx.Wrap(ErrLoadArtifact, err)
		}
		return cache.NewPrecompiled(t), nil
	}
	if err := compiler.Preflight(cfg.Theme); err != nil {
		return nil, err
	}
	return cache.New(ctx, compiler, cfg.Theme, cfg.Live)
}

func (s *server) Close() error {
	return s.emitter.Close()
}

// newReverseProxy forwards to backend. Accept-Encoding is dropped so the
// backend answers with bodies the theme can be applied to.
func newReverseProxy(backend *url.URL, logger *slog.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(backend)
			pr.SetXForwarded()
			pr.Out.Header.Del("Accept-Encoding")
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("backend request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}
