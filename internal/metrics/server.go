package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"batchq/pkg/logx"
)

// Serve exposes /metrics and /healthz on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, log logx.Logger, opts ...ServeOption) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, h, log, opts...)
}

// ServeListener is Serve on an existing listener; it closes ln on return.
func ServeListener(ctx context.Context, ln net.Listener, h http.Handler, log logx.Logger, opts ...ServeOption) error {
	var so serveOptions
	for _, o := range opts {
		o(&so)
	}
	mux := http.NewServeMux()
	if so.pprof {
		mountPprof(mux, ln.Addr().String(), so.token, log)
	}
	if so.status != nil {
		status := so.status
		mux.HandleFunc("/debug/status", withAuth(so.token, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(status())
		}))
	}
	mux.Handle("/metrics", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	if so.pprof {
		// /debug/pprof/profile streams for ?seconds= (default 30)
		srv.WriteTimeout = 90 * time.Second
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics server starting", logx.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		log.Error("metrics server error", logx.Err(err))
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		<-errCh
		log.Info("metrics server stopped")
		return err
	}
}
