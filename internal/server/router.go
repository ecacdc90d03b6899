package server

import (
	"net/http"
	"strings"
)

// PipelineHTTP defines the minimal surface the lifecycle router needs from
// the runtime pipeline to serve HTTP requests.
type PipelineHTTP interface {
	ServeAction(http.ResponseWriter, *http.Request, string)
	ServeHealth(http.ResponseWriter, *http.Request)
}

// NewPipelineHandler wires the HTTP routing facade to the runtime pipeline so
// the lifecycle server owns URL dispatch without embedding routing logic into
// the pipeline itself. Actions are served under /v2/{action}.
func NewPipelineHandler(p PipelineHTTP) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trimmed := strings.Trim(r.URL.Path, "/")
		switch {
		case trimmed == "health" || trimmed == "healthz":
			p.ServeHealth(w, r)
		case strings.HasPrefix(trimmed, "v2/"):
			action := strings.TrimPrefix(trimmed, "v2/")
			if action == "" || strings.Contains(action, "/") {
				http.NotFound(w, r)
				return
			}
			p.ServeAction(w, r, action)
		default:
			http.NotFound(w, r)
		}
	})
}
