package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
)

const pprofPrefix = "/debug/pprof/"

// mountPprof adds the runtime profiling endpoints behind auth.
func mountPprof(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	wrap := func(h http.HandlerFunc) http.Handler { return auth(h) }
	mux.Handle("GET "+pprofPrefix, wrap(hpprof.Index))
	mux.Handle("GET "+pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
	mux.Handle("GET "+pprofPrefix+"profile", wrap(hpprof.Profile))
	mux.Handle("GET "+pprofPrefix+"symbol", wrap(hpprof.Symbol))
	mux.Handle("POST "+pprofPrefix+"symbol", wrap(hpprof.Symbol))
	mux.Handle("GET "+pprofPrefix+"trace", wrap(hpprof.Trace))
}
