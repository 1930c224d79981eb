package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/VladPil/llm-gateway/events"
	"github.com/VladPil/llm-gateway/logger"
	"github.com/VladPil/llm-gateway/statestore"
)

const (
	heartbeatInterval = 30 * time.Second
	defaultErrorLimit = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn serializes writes; the broadcast drain and control replies share one
// socket.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) write(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// controlMessage is the client-to-gateway frame. TaskID is a pointer so
// filter_task can distinguish null (clear) from absent.
type controlMessage struct {
	Type   string   `json:"type"`
	Events []string `json:"events"`
	TaskID *string  `json:"task_id"`
	Limit  int      `json:"limit"`
}

// monitorWebSocket bridges a bus subscriber to a websocket connection. The
// reader goroutine handles control messages; this goroutine drains the
// subscriber queue and emits heartbeats on idle.
func (s *Server) monitorWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws := &wsConn{conn: conn}
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub.ID())

	if err := ws.write(events.Marshal(events.TypeConnected, map[string]any{
		"connection_id":    sub.ID(),
		"available_events": events.DomainTypes,
	})); err != nil {
		return
	}

	done := make(chan struct{})
	go s.readControl(c.Request.Context(), ws, sub, done)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := ws.write(env.Payload); err != nil {
				return
			}
			heartbeat.Reset(heartbeatInterval)
		case <-heartbeat.C:
			if err := ws.write(events.Marshal(events.TypeHeartbeat, nil)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) readControl(ctx context.Context, ws *wsConn, sub *events.Subscriber, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.wsError(ws, "invalid control message")
			continue
		}
		s.handleControl(ctx, ws, sub, msg)
	}
}

func (s *Server) handleControl(ctx context.Context, ws *wsConn, sub *events.Subscriber, msg controlMessage) {
	switch msg.Type {
	case "subscribe":
		sub.Subscribe(msg.Events...)
		_ = ws.write(events.Marshal(events.TypeSubscribed, map[string]any{
			"events": sub.Subscriptions(),
		}))

	case "unsubscribe":
		sub.Unsubscribe(msg.Events...)
		_ = ws.write(events.Marshal(events.TypeUnsubscribed, map[string]any{
			"events": sub.Subscriptions(),
		}))

	case "filter_task":
		taskID := ""
		if msg.TaskID != nil {
			taskID = *msg.TaskID
		}
		sub.SetTaskFilter(taskID)
		_ = ws.write(events.Marshal(events.TypeFilterSet, map[string]any{
			"task_id": taskID,
		}))

	case "ping":
		_ = ws.write(events.Marshal(events.TypePong, nil))

	case "get_queue_stats":
		stats, err := s.collectQueueStats(ctx)
		if err != nil {
			s.wsError(ws, err.Error())
			return
		}
		_ = ws.write(events.Marshal(events.TypeQueueStats, stats))

	case "get_stats":
		daily, err := s.store.DailyStats(ctx, time.Now())
		if err != nil {
			s.wsError(ws, err.Error())
			return
		}
		_ = ws.write(events.Marshal(events.TypeInitial, map[string]any{
			"stats": daily,
		}))

	case "get_task":
		if msg.TaskID == nil || *msg.TaskID == "" {
			s.wsError(ws, "task_id is required")
			return
		}
		sess, err := s.store.GetSession(ctx, *msg.TaskID)
		if err != nil {
			s.wsError(ws, err.Error())
			return
		}
		_ = ws.write(events.Marshal(events.TypeInitial, map[string]any{
			"task": sess,
		}))

	case "get_errors":
		limit := msg.Limit
		if limit <= 0 {
			limit = defaultErrorLimit
		}
		entries, err := s.store.RecentLogs(ctx, 0)
		if err != nil {
			s.wsError(ws, err.Error())
			return
		}
		errs := make([]statestore.LogEntry, 0, limit)
		for _, entry := range entries {
			if entry.Level == "error" {
				errs = append(errs, entry)
			}
		}
		if len(errs) > limit {
			errs = errs[len(errs)-limit:]
		}
		_ = ws.write(events.Marshal(events.TypeInitial, map[string]any{
			"errors": errs,
		}))

	case "get_active_tasks":
		active, err := s.activeTasks(ctx)
		if err != nil {
			s.wsError(ws, err.Error())
			return
		}
		_ = ws.write(events.Marshal(events.TypeInitial, map[string]any{
			"active_tasks": active,
		}))

	default:
		s.wsError(ws, "unknown control type "+msg.Type)
	}
}

func (s *Server) activeTasks(ctx context.Context) ([]*statestore.Session, error) {
	active, err := s.store.SessionsByStatus(ctx, statestore.StatusProcessing)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.SessionsByStatus(ctx, statestore.StatusPending)
	if err != nil {
		return nil, err
	}
	return append(active, pending...), nil
}

func (s *Server) wsError(ws *wsConn, message string) {
	_ = ws.write(events.Marshal(events.TypeError, map[string]any{
		"message": message,
	}))
}
