package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/Seednode/tracebox/eventlog"
	"github.com/Seednode/tracebox/shape"
	"github.com/Seednode/tracebox/session"
)

const (
	logDate string        = `2006-01-02T15:04:05.000-07:00`
	timeout time.Duration = 10 * time.Second
)

func securityHeaders(cfg *Config, w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), camera=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")

	if cfg.scheme() == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

func humanReadableSize(bytes int64) string {
	const unit int64 = 1000
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := unit, 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "kMGTPE"[exp])
}

func serveVersion(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusOK)

		written, err := w.Write([]byte("tracebox v" + releaseVersion + "\n"))
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Version page (%s) to %s in %s",
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveStatus(cfg *Config, coord *session.Coordinator, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		st, err := coord.Status()
		if err != nil {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}

		body, err := json.Marshal(st)
		if err != nil {
			errs <- err
			http.Error(w, "unable to encode status", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		securityHeaders(cfg, w)

		written, err := w.Write(append(body, '\n'))
		if err != nil {
			errs <- err

			return
		}

		logf(cfg, "SERVE: Status (%s) to %s in %s",
			humanReadableSize(int64(written)),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func registerProfileHandlers(cfg *Config, mux *httprouter.Router) {
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		mux.Handler("GET", cfg.prefix+"/pprof/"+name, pprof.Handler(name))
	}

	mux.HandlerFunc("GET", cfg.prefix+"/pprof/cmdline", pprof.Cmdline)
	mux.HandlerFunc("GET", cfg.prefix+"/pprof/profile", pprof.Profile)
	mux.HandlerFunc("GET", cfg.prefix+"/pprof/symbol", pprof.Symbol)
	mux.HandlerFunc("GET", cfg.prefix+"/pprof/trace", pprof.Trace)
}

// loadLibrary applies the startup policy for the shape library: a missing
// or unreadable file gives an empty library unless --strict-shapes is set,
// while a file that fails to decode is always an error.
func loadLibrary(cfg *Config, events *eventlog.Sink) (*shape.Library, error) {
	lib, err := shape.LoadLibrary(cfg.shapes, cfg.spacing)
	switch {
	case err == nil:
		return lib, nil
	case errors.Is(err, shape.ErrLibraryUnavailable) && !cfg.strictShapes:
		errorf("%v, serving an empty library", err)
		events.Warnf("Shape file %s unavailable, serving an empty library", cfg.shapes)

		return shape.NewLibrary(), nil
	default:
		return nil, err
	}
}

func newRouter(cfg *Config, coord *session.Coordinator, errs chan<- error) *httprouter.Router {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)
		w.WriteHeader(http.StatusInternalServerError)

		io.WriteString(w, newPage("Server Error", "An error has occurred. Please try again."))
	}

	mux.GET(cfg.prefix+"/", serveHomePage(cfg))

	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, errs))

	mux.GET(cfg.prefix+"/robots.txt", serveRobots(cfg, errs))

	mux.GET(cfg.prefix+"/status", serveStatus(cfg, coord, errs))

	mux.GET(cfg.prefix+"/version", serveVersion(cfg, errs))

	mux.GET(cfg.prefix+"/ws", serveWS(cfg, coord))

	mux.GET(cfg.prefix+"/qr", serveQR(cfg))

	if cfg.profile {
		registerProfileHandlers(cfg, mux)
	}

	return mux
}

func Serve(ctx context.Context, cfg *Config) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	cfg.prefix = strings.TrimSuffix(cfg.prefix, "/")

	logf(cfg, "START: tracebox v%s", releaseVersion)

	events, err := eventlog.Open(filepath.Join(cfg.logDir, cfg.session+".txt"))
	if err != nil {
		return err
	}
	defer func() {
		if err := events.Close(); err != nil {
			errorf("closing event log: %v", err)
		}
		if n := events.Dropped(); n > 0 {
			errorf("event log fell behind, %d events dropped", n)
		}
	}()

	lib, err := loadLibrary(cfg, events)
	if err != nil {
		return err
	}

	logf(cfg, "START: Loaded %d rounds from %s", lib.Len(), cfg.shapes)
	events.Infof("Building server, shape file %s, %d rounds", cfg.shapes, lib.Len())

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port)))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	coord := session.New(session.Config{
		Library: lib,
		Events:  events,
		Logf: func(format string, args ...any) {
			logf(cfg, format, args...)
		},
		Radius:  cfg.radius,
		Margin:  cfg.margin,
		MaxLine: cfg.maxLine,
	})
	go coord.Run(ctx)

	errs := make(chan error, 64)
	go logErrors(errs)

	lines := make(chan error, 1)
	go func() {
		logf(cfg, "SERVE: Listening for players on tcp://%s", ln.Addr())
		lines <- serveLines(ctx, cfg, coord, ln)
	}()

	var srv *http.Server
	httpErrs := make(chan error, 1)
	if cfg.httpPort != 0 {
		srv = &http.Server{
			Addr:              net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.httpPort)),
			Handler:           newRouter(cfg, coord, errs),
			IdleTimeout:       10 * time.Minute,
			ReadTimeout:       timeout,
			ReadHeaderTimeout: timeout,
		}

		go func() {
			var err error
			logf(cfg, "SERVE: Listening on %s://%s%s/", cfg.scheme(), srv.Addr, cfg.prefix)
			if cfg.tlsKey != "" && cfg.tlsCert != "" {
				err = srv.ListenAndServeTLS(cfg.tlsCert, cfg.tlsKey)
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrs <- err
			}
		}()
	}

	linesDone := false
	select {
	case <-ctx.Done():
	case err = <-httpErrs:
	case err = <-lines:
		linesDone = true
	}
	cancel()

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}

	if !linesDone {
		if lineErr := <-lines; err == nil {
			err = lineErr
		}
	}

	<-coord.Done()

	logf(cfg, "STOP: tracebox v%s", releaseVersion)

	return err
}
