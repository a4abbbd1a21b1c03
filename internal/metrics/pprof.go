package metrics

import (
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"batchq/pkg/logx"
)

const pprofPrefix = "/debug/pprof/"

// ServeOption customizes Serve and ServeListener.
type ServeOption func(*serveOptions)

type serveOptions struct {
	pprof  bool
	token  string
	status func() any
}

// WithStatus serves fn's result as JSON on /debug/status, guarded by the
// pprof token when one is set.
func WithStatus(fn func() any) ServeOption {
	return func(o *serveOptions) { o.status = fn }
}

// WithPprof mounts net/http/pprof under /debug/pprof/. A non-empty token is
// required as "Authorization: Bearer <token>" or "?token=<token>".
func WithPprof(token string) ServeOption {
	return func(o *serveOptions) {
		o.pprof = true
		o.token = strings.TrimSpace(token)
	}
}

// mountPprof registers the profiling handlers unless the listener is
// reachable from other hosts and no token is set.
func mountPprof(mux *http.ServeMux, addr string, token string, log logx.Logger) bool {
	if token == "" && !isLoopbackAddr(addr) {
		log.Error("pprof disabled: non-loopback addr requires metrics.pprof_token", logx.String("addr", addr))
		return false
	}
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }
	mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
	mux.HandleFunc(pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(pprofPrefix+"profile", wrap(hpprof.Profile))
	mux.HandleFunc(pprofPrefix+"symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(pprofPrefix+"trace", wrap(hpprof.Trace))
	log.Info("pprof enabled", logx.String("prefix", pprofPrefix), logx.Bool("token_set", token != ""))
	return true
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == token {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == token {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
