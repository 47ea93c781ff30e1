package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"abr-delivery/internal/segment"
)

func newTestRouter(t *testing.T, src segment.Source) *chi.Mux {
	t.Helper()
	f := newFixture(t, src)
	h := NewHandler(f.svc, discardLogger(), StreamOptions{})
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func startTestSession(t *testing.T, r http.Handler, videoID string) string {
	t.Helper()
	rec := do(r, http.MethodPost, "/sessions", map[string]any{"video_id": videoID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("setup: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap struct {
		ID string `json:"session_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("setup: decode session: %v", err)
	}
	return snap.ID
}

func TestHandler_StartSession(t *testing.T) {
	r := newTestRouter(t, nil)

	rec := do(r, http.MethodPost, "/sessions", map[string]any{"video_id": "v1", "user_id": "u1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["quality"] != "480p" {
		t.Errorf("expected default quality 480p, got %v", got["quality"])
	}
	if got["session_id"] == "" {
		t.Error("expected a session id")
	}
}

func TestHandler_StartSession_bad_request(t *testing.T) {
	r := newTestRouter(t, nil)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"not json", "not json", http.StatusBadRequest},
		{"missing video", map[string]any{"user_id": "u1"}, http.StatusBadRequest},
		{"unknown quality", map[string]any{"video_id": "v1", "quality": "4k"}, http.StatusBadRequest},
		{"quality not encoded", map[string]any{"video_id": "lo", "quality": "1080p"}, http.StatusBadRequest},
		{"unknown video", map[string]any{"video_id": "missing"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(r, http.MethodPost, "/sessions", tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestHandler_UpdateSession_conflict_after_end(t *testing.T) {
	r := newTestRouter(t, nil)
	id := startTestSession(t, r, "v1")

	rec := do(r, http.MethodPut, "/sessions/"+id, map[string]any{"position_ms": 6000, "quality": "720p"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = do(r, http.MethodPut, "/sessions/"+id, map[string]any{"position_ms": -1})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative position, got %d", rec.Code)
	}

	for i := 0; i < 2; i++ {
		rec = do(r, http.MethodDelete, "/sessions/"+id, nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("end %d: expected 204, got %d", i, rec.Code)
		}
	}

	rec = do(r, http.MethodPut, "/sessions/"+id, map[string]any{"position_ms": 7000})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 after end, got %d", rec.Code)
	}

	rec = do(r, http.MethodGet, "/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected archived session, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"active":false`) {
		t.Errorf("expected inactive session, got %s", rec.Body.String())
	}
}

func TestHandler_GetSession_not_found(t *testing.T) {
	r := newTestRouter(t, nil)

	rec := do(r, http.MethodGet, "/sessions/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_RecommendQuality(t *testing.T) {
	r := newTestRouter(t, nil)
	id := startTestSession(t, r, "v1")
	path := "/sessions/" + id + "/recommendation"

	rec := do(r, http.MethodPost, path, map[string]any{"bandwidth_kbps": 1800, "current": "480p"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got RecommendationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Quality != "480p" {
		t.Errorf("expected hysteresis to hold 480p, got %s", got.Quality)
	}

	rec = do(r, http.MethodPost, path, map[string]any{"bandwidth_kbps": 1800, "current": "4k"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown current level, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Quality != "360p" {
		t.Errorf("expected unknown current level to skip hysteresis, got %s", got.Quality)
	}

	rec = do(r, http.MethodPost, path, "not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed body, got %d", rec.Code)
	}

	rec = do(r, http.MethodGet, path, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected GET to be rejected, got %d", rec.Code)
	}
}

func TestHandler_GetSegment(t *testing.T) {
	r := newTestRouter(t, nil)

	rec := do(r, http.MethodGet, "/videos/v1/segments/720p/10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("expected video/mp4, got %q", ct)
	}
	if n := rec.Header().Get("X-Segment-Number"); n != "10" {
		t.Errorf("expected segment 10, got %q", n)
	}
	if rec.Body.Len() != 16 {
		t.Errorf("expected 16 byte payload, got %d", rec.Body.Len())
	}
}

func TestHandler_GetSegment_errors(t *testing.T) {
	r := newTestRouter(t, nil)

	tests := []struct {
		path string
		want int
	}{
		{"/videos/missing/segments/480p/0", http.StatusNotFound},
		{"/videos/draft/segments/480p/0", http.StatusBadRequest},
		{"/videos/v1/segments/480p/12", http.StatusBadRequest},
		{"/videos/v1/segments/480p/abc", http.StatusBadRequest},
		{"/videos/v1/segments/4k/0", http.StatusBadRequest},
		{"/videos/v1/segments/480p/0?session_id=nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := do(r, http.MethodGet, tt.path, nil)
		if rec.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.want, rec.Code)
		}
	}
}

func TestHandler_GetSegment_storage_failure(t *testing.T) {
	r := newTestRouter(t, segment.SourceFunc(func(context.Context, segment.Key) (segment.Segment, error) {
		return segment.Segment{}, errors.New("disk on fire")
	}))

	rec := do(r, http.MethodGet, "/videos/v1/segments/480p/0", nil)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func TestHandler_PutVideo(t *testing.T) {
	r := newTestRouter(t, nil)

	body := map[string]any{"ready": true, "segment_count": 4, "segment_duration_ms": 4000, "qualities": []string{"360p"}}
	rec := do(r, http.MethodPut, "/videos/clip", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(r, http.MethodGet, "/videos/clip/segments/360p/3", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected registered video to serve segments, got %d", rec.Code)
	}

	rec = do(r, http.MethodPut, "/videos/clip", map[string]any{"segment_count": 4, "qualities": []string{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without qualities, got %d", rec.Code)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) SegmentFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", mt)
	}
	var f SegmentFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func TestHandler_Stream(t *testing.T) {
	r := newTestRouter(t, nil)
	srv := httptest.NewServer(r)
	defer srv.Close()

	id := startTestSession(t, r, "v1")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + id + "/stream?start=2"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(ClientFrame{Type: FrameDemand, N: 2}); err != nil {
		t.Fatalf("send demand: %v", err)
	}

	for want := 2; want < 4; want++ {
		f := readFrame(t, conn)
		if f.Type != FrameSegment || f.Number != want || f.Quality != "480p" {
			t.Fatalf("unexpected frame %+v, want segment %d", f, want)
		}
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read payload: %v", err)
		}
		if mt != websocket.BinaryMessage || len(payload) != f.Size {
			t.Fatalf("unexpected payload type %d len %d", mt, len(payload))
		}
	}

	if err := conn.WriteJSON(ClientFrame{Type: FrameCancel}); err != nil {
		t.Fatalf("send cancel: %v", err)
	}
	end := readFrame(t, conn)
	if end.Type != FrameEnd || end.Delivered != 2 || end.Error != "" {
		t.Errorf("unexpected end frame %+v", end)
	}
}

func TestHandler_Stream_unknown_session(t *testing.T) {
	r := newTestRouter(t, nil)

	rec := do(r, http.MethodGet, "/sessions/nope/stream", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 before upgrade, got %d", rec.Code)
	}
}
