package reporthttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-targets/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-targets/internal/shared"
)

// MountRoutes registers the target endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(30, time.Minute,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "")
		}),
	)

	r.Route("/targets", func(tr chi.Router) {
		tr.Get("/report", h.handleReport)
		tr.Get("/weights", h.handleGetWeights)
		tr.Group(func(gr chi.Router) {
			gr.Use(requireActor, limiter)
			gr.Put("/weights/draft", h.handleSaveDraft)
			gr.Post("/weights/publish", h.handlePublish)
			gr.Delete("/weights", h.handleDelete)
		})
	})
}

func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shared.ActorFromContext(r.Context()) != "" {
			next.ServeHTTP(w, r)
			return
		}
		actor := strings.TrimSpace(r.Header.Get(shared.ActorHeader))
		if actor == "" {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", shared.ActorHeader+" header required")
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor := shared.ActorFromContext(r.Context()); actor != "" {
		return "actor:" + actor, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
