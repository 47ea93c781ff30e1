package streaming

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"abr-delivery/internal/delivery"
	"abr-delivery/internal/quality"
	"abr-delivery/internal/segment"
	"abr-delivery/internal/session"
)

// Handler exposes the streaming service over HTTP using go-chi.
type Handler struct {
	svc      *Service
	log      *slog.Logger
	validate *validator.Validate
	stream   StreamOptions
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, log *slog.Logger, opts StreamOptions) *Handler {
	return &Handler{
		svc:      svc,
		log:      log,
		validate: newValidator(),
		stream:   opts.withDefaults(),
	}
}

// newValidator returns a validator that also knows the "quality" tag.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("quality", func(fl validator.FieldLevel) bool {
		return quality.Valid(fl.Field().String())
	})
	return v
}

// Routes mounts the handler's endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/sessions", h.StartSession)
	r.Route("/sessions/{session_id}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Put("/", h.UpdateSession)
		r.Delete("/", h.EndSession)
		r.Post("/recommendation", h.RecommendQuality)
		r.Get("/stream", h.Stream)
	})
	r.Route("/videos/{video_id}", func(r chi.Router) {
		r.Get("/", h.GetVideo)
		r.Put("/", h.PutVideo)
		r.Get("/segments/{quality}/{number}", h.GetSegment)
		r.Get("/master.m3u8", h.GetMasterPlaylist)
		r.Get("/playlists/{quality}", h.GetMediaPlaylist)
	})
}

// StartSession handles POST /sessions.
// Body: { "video_id": "v1", "user_id": "u1", "quality": "720p" }.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req StartSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ClientAddress = r.RemoteAddr
	req.UserAgent = r.UserAgent()

	snap, err := h.svc.StartSession(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// UpdateSession handles PUT /sessions/{session_id}.
// Body: { "position_ms": 42000, "quality": "480p" }.
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req UpdateSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	snap, err := h.svc.UpdateSession(r.Context(), chi.URLParam(r, "session_id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// EndSession handles DELETE /sessions/{session_id}. Ending an unknown or
// ended session succeeds.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := chi.URLParam(r, "session_id")
	if err := h.svc.EndSession(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecommendQuality handles POST /sessions/{session_id}/recommendation.
// Body: { "bandwidth_kbps": 4000, "current": "480p" }. The sample is added
// to the session's bandwidth history.
func (h *Handler) RecommendQuality(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RecommendationRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "session_id")
	q, err := h.svc.RecommendQuality(id, req.BandwidthKbps, req.Current)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RecommendationResponse{SessionID: id, BandwidthKbps: req.BandwidthKbps, Quality: q})
}

// GetSegment handles GET /videos/{video_id}/segments/{quality}/{number}?session_id=...
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		h.writeError(w, r, ErrSegmentOutOfRange)
		return
	}

	seg, err := h.svc.RequestSegment(r.Context(),
		chi.URLParam(r, "video_id"),
		number,
		chi.URLParam(r, "quality"),
		r.URL.Query().Get("session_id"),
	)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", seg.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(seg.Size()))
	w.Header().Set("X-Segment-Number", strconv.Itoa(seg.Number))
	w.Header().Set("X-Segment-Quality", seg.Quality)
	w.Header().Set("X-Segment-Duration-Ms", strconv.FormatInt(seg.Duration.Milliseconds(), 10))
	w.Header().Set("X-Bitrate-Kbps", strconv.Itoa(seg.BitrateKbps))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(seg.Data)
}

// GetMasterPlaylist handles GET /videos/{video_id}/master.m3u8.
func (h *Handler) GetMasterPlaylist(w http.ResponseWriter, r *http.Request) {
	body, err := h.svc.MasterPlaylist(chi.URLParam(r, "video_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePlaylist(w, body)
}

// GetMediaPlaylist handles GET /videos/{video_id}/playlists/{quality}.
func (h *Handler) GetMediaPlaylist(w http.ResponseWriter, r *http.Request) {
	body, err := h.svc.MediaPlaylist(chi.URLParam(r, "video_id"), chi.URLParam(r, "quality"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePlaylist(w, body)
}

func writePlaylist(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", PlaylistContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// GetVideo handles GET /videos/{video_id}.
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Video(chi.URLParam(r, "video_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// PutVideo handles PUT /videos/{video_id}.
// Body: { "ready": true, "segment_count": 100, "segment_duration_ms": 6000, "qualities": ["720p"] }.
func (h *Handler) PutVideo(w http.ResponseWriter, r *http.Request) {
	var req PutVideoRequest
	if !h.decode(w, r, &req) {
		return
	}

	v := Video{
		ID:              chi.URLParam(r, "video_id"),
		Title:           req.Title,
		Ready:           req.Ready,
		SegmentCount:    req.SegmentCount,
		SegmentDuration: time.Duration(req.SegmentDurationMs) * time.Millisecond,
		Qualities:       req.Qualities,
	}
	if err := h.svc.PutVideo(v); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("video registered", slog.String("video_id", v.ID), slog.Int("segments", v.SegmentCount))
	writeJSON(w, http.StatusOK, v)
}

// decode reads and validates a JSON body. It writes 400 and returns false
// on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.log.Debug("invalid request body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.log.Debug("request validation failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrVideoNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, segment.ErrSegmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionEnded):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidQuality),
		errors.Is(err, ErrSegmentOutOfRange),
		errors.Is(err, ErrVideoNotReady),
		errors.Is(err, ErrInvalidPosition),
		errors.Is(err, delivery.ErrInvalidDemand):
		return http.StatusBadRequest
	case errors.Is(err, segment.ErrStorageFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	} else {
		h.log.Debug("request rejected", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
