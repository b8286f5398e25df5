package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/payrail/orchestrator/internal/events"
	orcherrors "github.com/payrail/orchestrator/pkg/errors"
	"github.com/payrail/orchestrator/pkg/logger"
	"github.com/payrail/orchestrator/pkg/response"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
)

// EventWatcher streams a tenant's saga lifecycle events over WebSocket,
// fed by the per-tenant Redis pub/sub channel the publisher writes to.
type EventWatcher struct {
	redis    redis.UniversalClient
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func NewEventWatcher(client redis.UniversalClient, log *logger.Logger) *EventWatcher {
	return &EventWatcher{
		redis: client,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// internal API, auth happens before the upgrade
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the connection and relays events for one tenant.
// GET /v1/sagas/events/watch?tenantId=...
func (ew *EventWatcher) HandleWS(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		tenantID = r.Header.Get("X-Tenant-Id")
	}
	if tenantID == "" {
		response.WriteErrorCode(w, r, orcherrors.CodeTenantRequired, "")
		return
	}

	// the subscription outlives the handler (hijacked connection), so it
	// is tied to sub.Close() rather than the request context
	sub := ew.redis.Subscribe(context.Background(), events.TenantChannel(tenantID))
	conn, err := ew.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sub.Close()
		ew.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	go ew.writePump(conn, sub)
	go ew.readPump(conn, sub)
}

// writePump relays pub/sub payloads and keeps the connection alive.
func (ew *EventWatcher) writePump(conn *websocket.Conn, sub *redis.PubSub) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames; its job is to notice the close and
// tear down the subscription.
func (ew *EventWatcher) readPump(conn *websocket.Conn, sub *redis.PubSub) {
	defer func() {
		_ = sub.Close()
		_ = conn.Close()
	}()

	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
