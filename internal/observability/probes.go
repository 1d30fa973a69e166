package observability

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"
)

// readinessResponse is the JSON body of the readiness probe. Kubernetes only
// reads the status code; the body is for humans.
type readinessResponse struct {
	Status map[string]string `json:"status"`
}

// liveness responds 200 while the process can serve HTTP.
func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness runs every checker in parallel under the configured timeout and
// answers 200 only when all of them pass.
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		status = make(map[string]string, len(s.checkers))
		g      errgroup.Group
	)

	for _, c := range s.checkers {
		g.Go(func() error {
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// WARN: Kubernetes retries, an error level would page on every blip.
				s.logger.Warn("health probe failed",
					slog.String("component", c.Name()),
					slog.String("error", err.Error()),
				)
				status[c.Name()] = "down: " + err.Error()
				return err
			}
			status[c.Name()] = "up"
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, readinessResponse{Status: status})
}
