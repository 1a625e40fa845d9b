package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/stockroom/internal/inventory"
)

const (
	eventBuffer       = 64
	eventWriteTimeout = 5 * time.Second
)

// handleEvents streams inventory events as JSON messages until the client
// goes away. A client that cannot keep up is disconnected rather than
// stalling the publisher.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"127.0.0.1:*", "localhost:*"},
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx := conn.CloseRead(r.Context())
	events := make(chan inventory.Event, eventBuffer)
	overflow := make(chan struct{})
	unsubscribe := s.inv.Subscribe(func(event inventory.Event) {
		select {
		case events <- event:
		default:
			select {
			case <-overflow:
			default:
				close(overflow)
			}
		}
	})
	defer unsubscribe()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("event stream opened")
	for {
		select {
		case <-ctx.Done():
			return
		case <-overflow:
			conn.Close(websocket.StatusPolicyViolation, "event stream overflow")
			return
		case event := <-events:
			if err := writeEvent(ctx, conn, event); err != nil {
				s.logger.Debug().Err(err).Msg("event stream write failed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event inventory.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}
