package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vpa-trader/internal/events"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics are sent to every client; ?ticks=true adds price ticks.
var streamTopics = []events.Event{
	events.EventOrderFilled,
	events.EventOrderCancelled,
	events.EventOrderRejected,
	events.EventConditionalTriggered,
	events.EventPositionLiquidated,
	events.EventRiskAlert,
	events.EventEmergencyStop,
	events.EventRiskLevelChanged,
	events.EventSignalProcessed,
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	topics := streamTopics
	if c.Query("ticks") == "true" {
		topics = append([]events.Event{events.EventPriceTick}, streamTopics...)
	}
	stream, unsub := s.bus.SubscribeMany(topics, 256)
	defer unsub()

	// The reader only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case env, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				s.logger.Debug("ws write failed", zap.Error(err))
				return
			}
		}
	}
}
