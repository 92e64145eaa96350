// Package monitoring exposes the operational HTTP surface of a loader
// process: Prometheus scrapes and pprof profiling.
package monitoring

import (
	"context"
	"log"
	"net/http"
	"net/http/pprof"
)

// StartOpsServer starts an HTTP server serving metricsHandler on /metrics
// (when non-nil) and the pprof handlers under /debug/pprof/ bound to addr.
// Example address values: ":6060" or "127.0.0.1:6060".
// It returns the server instance so callers can shut it down when done.
func StartOpsServer(addr string, metricsHandler http.Handler) (*http.Server, error) {
	mux := http.NewServeMux()
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ops server error: %v", err)
		}
	}()

	return srv, nil
}

// StopOpsServer gracefully shuts down the provided ops HTTP server.
func StopOpsServer(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
