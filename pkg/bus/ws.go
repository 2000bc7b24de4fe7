package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/coder/websocket"
)

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSink) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

type clientMessage struct {
	Type string `json:"type"`
}

// HandleClient attaches an upgraded WebSocket connection as an observer and
// blocks until it closes. The read loop only answers pings; all controller
// events arrive through the observer queue.
func (b *Bus) HandleClient(ctx context.Context, conn *websocket.Conn) {
	sink := &wsSink{conn: conn}
	stop := b.Attach(ctx, sink)
	defer stop()

	pong, _ := json.Marshal(Event{Type: TypePong})
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid observer message", "error", err)
			continue
		}
		if msg.Type == "ping" {
			writeCtx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
			err := sink.Send(writeCtx, pong)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
