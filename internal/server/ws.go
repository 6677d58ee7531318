package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"elisa/internal/events"
	"elisa/internal/logging"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The desktop client connects from a different origin in dev.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS attaches the single event subscriber for a session. One frame
// per event, flattened to a single JSON document.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("ws upgrade failed", "session", sess.ID, "error", err)
		return
	}

	var writeMu sync.Mutex
	send := func(doc map[string]any) bool {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(doc) == nil
	}

	if !send(map[string]any{"type": events.SessionStarted, "session_id": sess.ID}) {
		conn.Close()
		return
	}

	sess.Bus.Subscribe(func(e events.Event) {
		if !send(wireEvent(e)) {
			logging.Debug("ws write failed", "session", sess.ID)
		}
	})

	// Keep the connection alive and notice client closes.
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for range ticker.C {
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	sess.Bus.Subscribe(nil)
	conn.Close()
}

// wireEvent flattens an event into one JSON document: data fields sit next
// to type/session_id/task_id.
func wireEvent(e events.Event) map[string]any {
	doc := make(map[string]any, len(e.Data)+4)
	for k, v := range e.Data {
		doc[k] = v
	}
	doc["type"] = e.Type
	if e.SessionID != "" {
		doc["session_id"] = e.SessionID
	}
	if e.TaskID != "" {
		doc["task_id"] = e.TaskID
	}
	doc["ts"] = e.Timestamp
	return doc
}
