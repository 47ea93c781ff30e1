package streaming

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"abr-delivery/internal/delivery"
)

// Frame types on the delivery WebSocket.
const (
	FrameDemand    = "demand"
	FrameCancel    = "cancel"
	FrameBandwidth = "bandwidth"
	FrameSegment   = "segment"
	FrameEnd       = "end"
)

// StreamOptions tunes the WebSocket delivery endpoint.
type StreamOptions struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 4096
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
	return o
}

// ClientFrame is a control message sent by the player: demand for n more
// segments, a bandwidth report, or cancel.
type ClientFrame struct {
	Type string `json:"type"`
	N    int    `json:"n,omitempty"`
	Kbps int    `json:"kbps,omitempty"`
}

// SegmentFrame precedes each binary segment payload. The final frame has
// type "end" and carries the error, if the stream failed.
type SegmentFrame struct {
	Type        string `json:"type"`
	Number      int    `json:"number,omitempty"`
	Quality     string `json:"quality,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	BitrateKbps int    `json:"bitrate_kbps,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
	Size        int    `json:"size,omitempty"`
	Delivered   int    `json:"delivered,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Stream handles GET /sessions/{session_id}/stream?video_id=v1&start=0&quality=480p
// and upgrades to a WebSocket. Segments are pushed only against demand the
// client signals with "demand" frames.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	start := 0
	if s := q.Get("start"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			h.writeError(w, r, ErrSegmentOutOfRange)
			return
		}
		start = n
	}

	st, err := h.svc.OpenDeliveryStream(r.Context(), StreamRequest{
		SessionID:    chi.URLParam(r, "session_id"),
		VideoID:      q.Get("video_id"),
		StartSegment: start,
		Quality:      q.Get("quality"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer st.Cancel()

	upgrader := websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  64 * 1024,
		CheckOrigin:      h.stream.CheckOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	readerDone := make(chan struct{})
	go h.readFrames(conn, st, readerDone)

	h.writeSegments(conn, st)

	_ = conn.Close()
	<-readerDone
}

// readFrames applies client control frames to the stream until the
// connection fails. A broken connection cancels the stream.
func (h *Handler) readFrames(conn *websocket.Conn, st *delivery.Stream, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(h.stream.ReadLimit)

	for {
		var f ClientFrame
		if err := conn.ReadJSON(&f); err != nil {
			st.Cancel()
			return
		}
		switch f.Type {
		case FrameDemand:
			st.Demand(f.N)
		case FrameBandwidth:
			st.ReportBandwidth(f.Kbps)
		case FrameCancel:
			st.Cancel()
		default:
			h.log.Debug("unknown stream frame", slog.String("type", f.Type))
		}
	}
}

// writeSegments is the only writer on conn apart from control frames.
func (h *Handler) writeSegments(conn *websocket.Conn, st *delivery.Stream) {
	ping := time.NewTicker(h.stream.PingInterval)
	defer ping.Stop()

	for {
		select {
		case seg, ok := <-st.Segments():
			if !ok {
				h.writeEnd(conn, st)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.stream.WriteTimeout))
			err := conn.WriteJSON(SegmentFrame{
				Type:        FrameSegment,
				Number:      seg.Number,
				Quality:     seg.Quality,
				ContentType: seg.ContentType,
				BitrateKbps: seg.BitrateKbps,
				DurationMs:  seg.Duration.Milliseconds(),
				Size:        seg.Size(),
			})
			if err == nil {
				err = conn.WriteMessage(websocket.BinaryMessage, seg.Data)
			}
			if err != nil {
				h.log.Debug("stream write failed", slog.String("error", err.Error()))
				st.Cancel()
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.stream.WriteTimeout)); err != nil {
				st.Cancel()
				return
			}
		}
	}
}

func (h *Handler) writeEnd(conn *websocket.Conn, st *delivery.Stream) {
	end := SegmentFrame{Type: FrameEnd, Delivered: st.Delivered()}
	if err := st.Err(); err != nil && !errors.Is(err, delivery.ErrCanceled) {
		end.Error = err.Error()
	}
	_ = conn.SetWriteDeadline(time.Now().Add(h.stream.WriteTimeout))
	_ = conn.WriteJSON(end)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(h.stream.WriteTimeout))
}
