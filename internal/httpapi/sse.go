package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MimeLyc/slide-translator/internal/jobs"
)

// keepAliveEvery is how many quiet polls pass before a comment line is sent
// to keep proxies from closing the stream.
const keepAliveEvery = 15

// handleJobStream pushes a "status" event whenever the job changes and a
// final "done" event once it is terminal.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.jobs.GetJobStatus(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var (
		last  []byte
		seq   int
		quiet int
	)
	emit := func(v *jobs.StatusView) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if bytes.Equal(payload, last) {
			quiet++
			if quiet%keepAliveEvery == 0 {
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return err
				}
				flusher.Flush()
			}
			return nil
		}
		last, quiet = payload, 0
		seq++
		event := "status"
		if v.Status.Terminal() {
			event = "done"
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()
	for {
		if err := emit(view); err != nil || view.Status.Terminal() {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		if view, err = s.jobs.GetJobStatus(r.Context(), id); err != nil {
			return
		}
	}
}
