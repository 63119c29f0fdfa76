package guard

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/pagerescue/config"
	"github.com/hazyhaar/pagerescue/conntier"
	"github.com/hazyhaar/pagerescue/imgrecover"
	"github.com/hazyhaar/pagerescue/protector"
	"github.com/hazyhaar/pagerescue/resstore"
	"github.com/hazyhaar/pagerescue/shield"
)

// DebugInfo is the introspection snapshot exposed for diagnostics.
type DebugInfo struct {
	URL       string           `json:"url"`
	Tier      conntier.Tier    `json:"tier"`
	Online    bool             `json:"online"`
	Config    config.Config    `json:"config"`
	Protector protector.State  `json:"protector"`
	Images    imgrecover.Stats `json:"images"`
	Progress  float64          `json:"progress"`
	Distress  DistressInfo     `json:"distress"`
	Rescues   int              `json:"rescues"`
	Store     *resstore.Stats  `json:"store,omitempty"`
}

// DistressInfo summarises the distress monitor.
type DistressInfo struct {
	Triggered bool    `json:"triggered"`
	Reason    string  `json:"reason,omitempty"`
	FPS       float64 `json:"fps"`
}

// Debug returns the current introspection snapshot.
func (e *Engine) Debug(ctx context.Context) DebugInfo {
	online := e.isOnline()

	triggered, reason := e.monitor.Triggered()
	info := DebugInfo{
		URL:       e.url,
		Tier:      e.tier,
		Online:    online,
		Config:    e.Config(),
		Protector: e.protect.State(),
		Images:    e.images.Stats(),
		Progress:  e.tracker.Value(),
		Distress:  DistressInfo{Triggered: triggered, Reason: reason, FPS: e.monitor.FPS()},
		Rescues:   e.trigger.Applied(),
	}
	if st, err := e.store.Stats(ctx); err == nil {
		info.Store = &st
	}
	return info
}

// DebugHandler serves the introspection surface:
//
//	GET  /config            tuned configuration
//	GET  /status            DebugInfo
//	POST /recover           re-enqueue pending images
//	POST /protector/toggle  flip protection
func (e *Engine) DebugHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.Stack(shield.DefaultOptions(), e.logger) {
		r.Use(mw)
	}

	r.Get("/config", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, e.Config())
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.Debug(r.Context()))
	})
	r.Post("/recover", func(w http.ResponseWriter, r *http.Request) {
		n := e.Recover(context.WithoutCancel(r.Context()))
		writeJSON(w, http.StatusOK, map[string]int{"queued": n})
	})
	r.Post("/protector/toggle", func(w http.ResponseWriter, r *http.Request) {
		on, err := e.ToggleProtector(r.Context())
		if err != nil {
			shield.GetLogger(r.Context()).Warn("guard: debug toggle failed", "error", err)
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": on})
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
