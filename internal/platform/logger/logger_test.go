package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew_levels(t *testing.T) {
	ctx := context.Background()

	if !New("debug", "text").Enabled(ctx, slog.LevelDebug) {
		t.Error("debug logger should enable debug")
	}
	if New("bogus", "json").Enabled(ctx, slog.LevelDebug) {
		t.Error("unknown level should fall back to info")
	}
	if New("error", "json").Enabled(ctx, slog.LevelWarn) {
		t.Error("error logger should not enable warn")
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("abc"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/sessions", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log entry: %v", err)
	}
	if entry["path"] != "/sessions" || entry["method"] != "POST" {
		t.Errorf("unexpected request fields: %v", entry)
	}
	if entry["status"] != float64(201) || entry["size"] != float64(3) {
		t.Errorf("unexpected status/size: %v", entry)
	}
}
