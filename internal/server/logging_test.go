package server_test

import (
	"context"
	"log/slog"
	"net/http"
	"testing"

	"github.com/example/go-engine-bridge/internal/errdefs"
	"github.com/example/go-engine-bridge/internal/server"
)

// capturingHandler captures all slog records during a test.
type capturingHandler struct {
	records []slog.Record
}

func (c *capturingHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (c *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	c.records = append(c.records, r)
	return nil
}
func (c *capturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return c }
func (c *capturingHandler) WithGroup(name string) slog.Handler       { return c }

func (c *capturingHandler) find(msg string) (slog.Record, map[string]any, bool) {
	for _, r := range c.records {
		if r.Message != msg {
			continue
		}
		m := make(map[string]any)
		r.Attrs(func(a slog.Attr) bool {
			m[a.Key] = a.Value.Any()
			return true
		})
		return r, m, true
	}
	return slog.Record{}, nil, false
}

func TestRun_LogsProgramAndMode(t *testing.T) {
	cap := &capturingHandler{}
	h := server.NewHandler(bindSample(t, "identity"), server.WithLogger(slog.New(cap)))

	rec := post(t, h, "/run", `{"inputs":[{"name":"x","dtype":"float32","shape":[2,3],"data":[1,2,3,4,5,6]}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	_, attrs, ok := cap.find("program run complete")
	if !ok {
		t.Fatal("want a 'program run complete' record")
	}
	if attrs["program"] != "identity" {
		t.Errorf("program attr = %v", attrs["program"])
	}
	if attrs["mode"] != "concrete" {
		t.Errorf("mode attr = %v", attrs["mode"])
	}
	if attrs["request_id"] == "" {
		t.Error("want request_id attr")
	}
	if _, ok := attrs["duration_ms"]; !ok {
		t.Error("want duration_ms attr")
	}
}

func TestRun_ShapeErrorLogsAtWarn(t *testing.T) {
	cap := &capturingHandler{}
	h := server.NewHandler(newStub(&errdefs.ShapeBindingError{Input: "x", Reason: "rank"}),
		server.WithLogger(slog.New(cap)))

	post(t, h, "/run", `{"inputs":[]}`)

	r, attrs, ok := cap.find("program run failed")
	if !ok {
		t.Fatal("want a 'program run failed' record")
	}
	if r.Level != slog.LevelWarn {
		t.Errorf("level = %v, want WARN", r.Level)
	}
	if attrs["error"] == "" {
		t.Error("want error attr")
	}
}
