package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/castdio/castd/internal/broadcast"
	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/radio"
	"github.com/castdio/castd/internal/tv"
)

// StreamHandler serves live mounts as persistent HTTP responses. It is
// registered directly on chi; the open-ended body does not fit huma's
// response model.
type StreamHandler struct {
	broadcaster *broadcast.Broadcaster
	radio       *radio.Engine
	tv          *tv.Engine
	logger      *slog.Logger
}

// NewStreamHandler creates the stream handler.
func NewStreamHandler(b *broadcast.Broadcaster, r *radio.Engine, t *tv.Engine, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{broadcaster: b, radio: r, tv: t, logger: logger}
}

// Register mounts the stream route.
func (h *StreamHandler) Register(r chi.Router) {
	r.Get("/stream/{mount}", h.serve)
}

func (h *StreamHandler) serve(w http.ResponseWriter, r *http.Request) {
	mount := chi.URLParam(r, "mount")

	contentType, delta, ok := h.resolve(mount)
	if !ok || !h.broadcaster.IsActive(mount) {
		h.notFound(w, mount)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.error(w, models.Internalf("streaming unsupported"))
		return
	}

	listener, err := h.broadcaster.Attach(mount)
	if err != nil {
		h.notFound(w, mount)
		return
	}
	defer h.broadcaster.Detach(mount, listener.ID)

	delta(+1)
	defer delta(-1)

	// Persistent response: no Content-Length, chunked until the client
	// leaves or the mount closes.
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Debug("listener attached",
		slog.String("mount", mount),
		slog.String("remote_addr", r.RemoteAddr),
	)

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, open := <-listener.Chunks():
			if !open {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// resolve maps a mount to its channel's content type and the engine's
// listener accounting callback.
func (h *StreamHandler) resolve(mount string) (string, func(int64), bool) {
	if h.radio != nil {
		if st, ok := h.radio.ResolveMount(mount); ok {
			id := st.Channel.ID
			return st.Channel.ContentType(), func(d int64) { h.radio.ListenerDelta(id, d) }, true
		}
	}
	if h.tv != nil {
		if st, ok := h.tv.ResolveMount(mount); ok {
			id := st.Channel.ID
			return st.Channel.ContentType(), func(d int64) { h.tv.ViewerDelta(id, d) }, true
		}
	}
	return "", nil, false
}

func (h *StreamHandler) notFound(w http.ResponseWriter, mount string) {
	h.error(w, models.NotFoundf("mount %q not found", mount))
}

func (h *StreamHandler) error(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": string(kind), "message": models.MessageOf(err)},
	})
}
