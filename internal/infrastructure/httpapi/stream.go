package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/doeshing/sidekick/internal/domain"
)

const (
	streamBuffer = 16
	writeTimeout = 10 * time.Second

	// closeNotFound is sent when the record does not exist.
	closeNotFound = 4404
)

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// streamCommand writes every snapshot of one record as a JSON text frame
// and closes normally after the terminal snapshot.
func (s *Server) streamCommand() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		id := conn.Params("id")
		ctx := context.Background()

		if s.metrics != nil {
			s.metrics.SessionOpened()
			defer s.metrics.SessionClosed()
		}

		if _, err := s.session.Command(ctx, id); err != nil {
			code := websocket.CloseInternalServerErr
			if errors.Is(err, domain.ErrNotFound) {
				code = closeNotFound
			}
			s.closeWith(conn, code, err.Error())
			return
		}

		records := make(chan domain.CommandRecord, streamBuffer)
		gone := make(chan struct{})

		// The reader only notices the client going away.
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		sub, err := s.session.Subscribe(ctx, id, func(rec domain.CommandRecord) {
			select {
			case records <- rec:
			case <-gone:
			}
		})
		if err != nil {
			s.closeWith(conn, websocket.CloseInternalServerErr, err.Error())
			<-gone
			return
		}
		defer sub.Unsubscribe()

		for {
			select {
			case rec := <-records:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(rec); err != nil {
					s.logger.Debug("websocket write failed", map[string]interface{}{"command_id": id, "error": err.Error()})
					_ = conn.Close()
					<-gone
					return
				}
				if s.metrics != nil {
					s.metrics.RecordSent()
				}
				if rec.Status.Terminal() {
					s.closeWith(conn, websocket.CloseNormalClosure, string(rec.Status))
					<-gone
					return
				}
			case <-sub.Done():
				// Released without a terminal snapshot: the notifier is
				// shutting down. Flush whatever was queued first.
				if len(records) > 0 {
					continue
				}
				s.closeWith(conn, websocket.CloseGoingAway, "shutting down")
				<-gone
				return
			case <-gone:
				return
			}
		}
	})
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("websocket close failed", map[string]interface{}{"error": err.Error()})
	}
	// Unblock the reader if the peer never answers the close frame.
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
}
