package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/queue"
)

// RegisterJobEvents mounts the job progress SSE endpoint directly on the
// router. Event streams are open-ended, which huma's response model does
// not fit.
func RegisterJobEvents(r chi.Router, q *queue.Queue) {
	r.Get("/jobs/{id}/events", func(w http.ResponseWriter, req *http.Request) {
		id, err := models.ParseULID(chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, models.Validationf("invalid job id"))
			return
		}

		sub, err := q.Subscribe(id)
		if err != nil {
			writeError(w, err)
			return
		}
		defer q.Unsubscribe(sub.ID)

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, models.Internalf("streaming unsupported"))
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-req.Context().Done():
				return
			case ev, open := <-sub.Events:
				if !open {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
				flusher.Flush()
				if ev.Terminal() {
					return
				}
			}
		}
	})
}

// writeError renders the standard error body outside huma.
func writeError(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]errorBody{
		"error": {Code: string(kind), Message: models.MessageOf(err)},
	})
}
