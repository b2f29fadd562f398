package buildhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/k11v/buildmanager/internal/build"
)

type StubCommander struct {
	Outcome *build.Outcome
	Err     error
	Got     []*build.Command
}

func (c *StubCommander) Handle(ctx context.Context, cmd *build.Command) (*build.Outcome, error) {
	c.Got = append(c.Got, cmd)
	if c.Err != nil {
		return nil, c.Err
	}
	if c.Outcome == nil {
		return &build.Outcome{}, nil
	}
	return c.Outcome, nil
}

type StubGetter struct {
	Builds map[string]*build.Build
	Err    error
}

func (g *StubGetter) Get(ctx context.Context, params *build.GetterGetParams) (*build.Build, error) {
	if g.Err != nil {
		return nil, g.Err
	}
	b, ok := g.Builds[params.ID]
	if !ok {
		return nil, build.ErrNotFound
	}
	return b, nil
}

func newTestServer(t *testing.T, commander Commander, getter BuildGetter, metrics http.Handler) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewHandler(commander, getter, metrics, log))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandlerGetHealth(t *testing.T) {
	srv := newTestServer(t, &StubCommander{}, &StubGetter{}, nil)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer resp.Body.Close()

	health, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := strings.TrimSpace(string(health)), `{"status":"ok"}`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestHandlerGetBuild(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	getter := &StubGetter{Builds: map[string]*build.Build{
		"b1": {
			ID:         "b1",
			ResourceID: "r1",
			Status:     build.StatusFailure,
			Phase:      build.PhaseCodeGeneration,
			Error:      "compile error",
			CreatedAt:  now,
			UpdatedAt:  now.Add(time.Minute),
		},
	}}

	t.Run("gets a build", func(t *testing.T) {
		srv := newTestServer(t, &StubCommander{}, getter, nil)

		resp, err := http.Get(srv.URL + "/builds/b1")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer resp.Body.Close()

		if got, want := resp.StatusCode, http.StatusOK; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
		var got map[string]any
		if err = json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if got["status"] != "failure" || got["phase"] != "code_generation" || got["error"] != "compile error" {
			t.Fatalf("got %v", got)
		}
	})

	t.Run("doesn't get an unknown build", func(t *testing.T) {
		srv := newTestServer(t, &StubCommander{}, getter, nil)

		resp, err := http.Get(srv.URL + "/builds/unknown")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer resp.Body.Close()

		if got, want := resp.StatusCode, http.StatusNotFound; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})

	t.Run("returns 500 when the store fails", func(t *testing.T) {
		srv := newTestServer(t, &StubCommander{}, &StubGetter{Err: errors.New("connection refused")}, nil)

		resp, err := http.Get(srv.URL + "/builds/b1")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		defer resp.Body.Close()

		if got, want := resp.StatusCode, http.StatusInternalServerError; got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	})
}

func TestHandlerWebhooks(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		commander  *StubCommander
		wantStatus int
		wantCmd    build.CommandKind // empty if the commander shouldn't be called
	}{
		{
			name:       "handles code generation success",
			path:       "/build-runner/code-generation-success",
			body:       `{"resourceId":"r1","buildId":"b1"}`,
			commander:  &StubCommander{},
			wantStatus: http.StatusOK,
			wantCmd:    build.CommandGenerationSucceeded,
		},
		{
			name:       "handles code generation failure",
			path:       "/build-runner/code-generation-failure",
			body:       `{"resourceId":"r1","buildId":"b1","error":"compile error"}`,
			commander:  &StubCommander{},
			wantStatus: http.StatusOK,
			wantCmd:    build.CommandGenerationFailed,
		},
		{
			name:       "returns 200 for a dropped command",
			path:       "/build-runner/code-generation-success",
			body:       `{"resourceId":"r1","buildId":"b1"}`,
			commander:  &StubCommander{Outcome: &build.Outcome{Dropped: build.ErrUnknownBuild}},
			wantStatus: http.StatusOK,
			wantCmd:    build.CommandGenerationSucceeded,
		},
		{
			name:       "returns 422 for an invalid body",
			path:       "/build-runner/code-generation-failure",
			body:       `{"resourceId":"r1"}`,
			commander:  &StubCommander{},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "returns 500 for a persistence error",
			path:       "/build-runner/code-generation-success",
			body:       `{"resourceId":"r1","buildId":"b1"}`,
			commander:  &StubCommander{Err: errors.New("connection refused")},
			wantStatus: http.StatusInternalServerError,
			wantCmd:    build.CommandGenerationSucceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.commander, &StubGetter{}, nil)

			resp, err := http.Post(srv.URL+tt.path, "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			defer resp.Body.Close()

			if got, want := resp.StatusCode, tt.wantStatus; got != want {
				t.Fatalf("got %d, want %d", got, want)
			}

			if tt.wantCmd == "" {
				if len(tt.commander.Got) != 0 {
					t.Fatalf("got %d commands, want 0", len(tt.commander.Got))
				}
				return
			}
			if len(tt.commander.Got) != 1 {
				t.Fatalf("got %d commands, want 1", len(tt.commander.Got))
			}
			if got, want := tt.commander.Got[0].Kind, tt.wantCmd; got != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		})
	}
}

func TestHandlerMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "buildmanager_up 1\n")
	})
	srv := newTestServer(t, &StubCommander{}, &StubGetter{}, metrics)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if got, want := string(body), "buildmanager_up 1\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
