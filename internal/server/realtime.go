package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// realtimeCloseTimeout bounds session teardown so a dead upstream cannot
// hold the handler open.
const realtimeCloseTimeout = 5 * time.Second

// handleRealtime bridges a client WebSocket to a provider realtime
// session. The session is established before the upgrade so auth and
// routing failures still produce the HTTP error envelope; after the
// upgrade, failures travel as error events and close frames.
func (s *server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cfg := &conduit.RealtimeConfig{
		Model:        q.Get("model"),
		Voice:        q.Get("voice"),
		Instructions: q.Get("instructions"),
	}
	if cfg.Model == "" {
		writeError(w, fmt.Errorf("model query parameter is required: %w", conduit.ErrInvalidRequest))
		return
	}

	key := conduit.VirtualKeyFromContext(r.Context())
	sess, err := s.deps.Gateway.Realtime(r.Context(), key, cfg)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), realtimeCloseTimeout)
		defer cancel()
		sess.Close(closeCtx)
		return
	}

	s.bridgeRealtime(r.Context(), conn, sess)
}

// bridgeRealtime runs the two pump halves until either side ends. The
// halves are independent: a slow client write does not stall the
// provider read, and vice versa. Teardown always closes both legs.
func (s *server) bridgeRealtime(ctx context.Context, conn *websocket.Conn, sess conduit.RealtimeSession) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), realtimeCloseTimeout)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "realtime session close failed",
				slog.String("session_id", sess.ID()),
				slog.String("error", conduit.SanitizeLog(err.Error())),
			)
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	g, ctx := errgroup.WithContext(ctx)

	// Client -> provider.
	g.Go(func() error {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return err
			}
			var frame conduit.RealtimeFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				writeRealtimeError(ctx, conn, "invalid frame")
				continue
			}
			if err := sess.Send(ctx, &frame); err != nil {
				return err
			}
		}
	})

	// Provider -> client.
	g.Go(func() error {
		for {
			ev, err := sess.Recv(ctx)
			if err != nil {
				return err
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return err
			}
		}
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && websocket.CloseStatus(err) == -1 {
		slog.LogAttrs(ctx, slog.LevelWarn, "realtime bridge ended",
			slog.String("session_id", sess.ID()),
			slog.String("error", conduit.SanitizeLog(err.Error())),
		)
	}
}

// writeRealtimeError sends a canonical error event without ending the
// session; malformed client frames are reported, not fatal.
func writeRealtimeError(ctx context.Context, conn *websocket.Conn, msg string) {
	ev := conduit.RealtimeEvent{Type: conduit.EventError, Message: msg}
	if data, err := json.Marshal(ev); err == nil {
		conn.Write(ctx, websocket.MessageText, data)
	}
}
