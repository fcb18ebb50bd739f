package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/juicywoowowow/flowtrain/internal/store"
	"github.com/juicywoowowow/flowtrain/internal/trainer"
)

// clientMessage is a message sent by the stream consumer.
type clientMessage struct {
	Type string `json:"type"`
}

// handleStream runs a pending job and sends its events as JSON text
// messages. An event is written before the next one is pulled from the
// engine, so a slow client slows training down instead of queueing events.
// A {"type":"stop"} message or a disconnect abandons the job.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	req, ok := s.claim(id)
	if !ok {
		job, err := s.store.Get(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case err != nil:
			s.logger.Error("get job", "job_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "could not load job")
		default:
			writeError(w, http.StatusConflict, "job "+id+" is already "+string(job.Status))
		}
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Warn("websocket accept", "job_id", id, "error", err)
		s.abandon(id)
		return
	}
	defer conn.CloseNow()

	logger := s.logger.With("job_id", id)
	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	go s.readControl(ctx, conn, stop, logger)

	events := trainer.NewStream(s.runner.Run(ctx, req))
	defer events.Close()

	for {
		ev, ok := events.Next()
		if ctx.Err() != nil {
			// The consumer left while the engine was working.
			logger.Info("stream stopped by client")
			s.abandon(id)
			return
		}
		if !ok {
			break
		}
		if err := s.store.Record(context.WithoutCancel(ctx), id, ev); err != nil {
			logger.Warn("record event", "kind", ev.Kind(), "error", err)
		}
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			logger.Info("stream write failed", "error", err)
			if !ev.Terminal() {
				s.abandon(id)
			}
			return
		}
		if ev.Terminal() {
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// readControl reads client messages until the connection closes or the
// client asks to stop, then calls stop. Malformed messages are ignored.
func (s *Server) readControl(ctx context.Context, conn *websocket.Conn, stop context.CancelFunc, logger *slog.Logger) {
	defer stop()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if json.Unmarshal(data, &msg) == nil && msg.Type == "stop" {
			logger.Debug("stop requested")
			return
		}
	}
}

func (s *Server) abandon(id string) {
	if err := s.store.Abandon(context.Background(), id); err != nil && !errors.Is(err, store.ErrTransition) {
		s.logger.Warn("abandon job", "job_id", id, "error", err)
	}
}
