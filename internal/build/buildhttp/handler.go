// Package buildhttp serves the build manager HTTP API.
package buildhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/k11v/buildmanager/internal/build"
)

const maxBodySize = 1 << 20 // 1MB

// Commander handles build commands. It is implemented by *build.Runner.
type Commander interface {
	Handle(ctx context.Context, cmd *build.Command) (*build.Outcome, error)
}

// BuildGetter is implemented by *build.Getter.
type BuildGetter interface {
	Get(ctx context.Context, params *build.GetterGetParams) (*build.Build, error)
}

type Handler struct {
	commander Commander   // required
	getter    BuildGetter // required
	log       *slog.Logger
	mux       *http.ServeMux
}

// NewHandler registers the API routes. metrics is served at GET /metrics when it isn't nil.
func NewHandler(commander Commander, getter BuildGetter, metrics http.Handler, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	h := &Handler{commander: commander, getter: getter, log: log.With("component", "handler"), mux: mux}

	mux.HandleFunc("GET /health", h.GetHealth)
	mux.HandleFunc("GET /builds/{id}", h.GetBuild)
	mux.HandleFunc("POST /build-runner/code-generation-success", h.webhook(build.MessageCodeGenerationSuccess))
	mux.HandleFunc("POST /build-runner/code-generation-failure", h.webhook(build.MessageCodeGenerationFailure))
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status string `json:"status"`
	}

	h.writeJSON(w, http.StatusOK, response{Status: "ok"})
}

func (h *Handler) GetBuild(w http.ResponseWriter, r *http.Request) {
	type response struct {
		ID         string    `json:"id"`
		ResourceID string    `json:"resourceId"`
		Status     string    `json:"status"`
		Phase      string    `json:"phase"`
		Error      string    `json:"error,omitempty"`
		CreatedAt  time.Time `json:"createdAt"`
		UpdatedAt  time.Time `json:"updatedAt"`
	}

	// Path parameter id.
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing id path parameter", http.StatusUnprocessableEntity)
		return
	}

	b, err := h.getter.Get(r.Context(), &build.GetterGetParams{ID: id})
	if errors.Is(err, build.ErrNotFound) {
		http.Error(w, "build not found", http.StatusNotFound)
		return
	} else if err != nil {
		h.log.Error("didn't get build", "build_id", id, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, response{
		ID:         b.ID,
		ResourceID: b.ResourceID,
		Status:     string(b.Status),
		Phase:      string(b.Phase),
		Error:      b.Error,
		CreatedAt:  b.CreatedAt,
		UpdatedAt:  b.UpdatedAt,
	})
}

// webhook returns a handler that turns a request body of the given kind into a command.
// Dropped commands are reported with 200 so that the caller doesn't retry them.
func (h *Handler) webhook(kind build.MessageKind) http.HandlerFunc {
	type response struct {
		BuildID string `json:"buildId"`
		Applied bool   `json:"applied"`
		Reason  string `json:"reason,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusUnprocessableEntity)
			return
		}

		cmd, err := build.ParseMessage(kind, body)
		if err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusUnprocessableEntity)
			return
		}

		outcome, err := h.commander.Handle(r.Context(), cmd)
		if err != nil {
			h.log.Error("didn't handle webhook", "build_id", cmd.BuildID, "message", kind, "err", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := response{BuildID: cmd.BuildID, Applied: outcome.Dropped == nil}
		if outcome.Dropped != nil {
			resp.Reason = outcome.Dropped.Error()
		}
		h.writeJSON(w, http.StatusOK, resp)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("didn't write response", "err", err)
	}
}
