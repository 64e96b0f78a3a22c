package daemon

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"
)

// pprofAddr is where profiling handlers listen when listen.pprof is enabled. It stays on
// loopback regardless of listen.addr.
const pprofAddr = "127.0.0.1:6060"

func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func startPprof(addr string) {
	if addr == "" {
		return
	}
	srv := &http.Server{Addr: addr, Handler: pprofMux(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("pprof listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil {
			slog.Info("pprof server stopped", "addr", addr, "err", err)
		}
	}()
}
