package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"contextmate/internal/log"
)

const (
	notifyPingInterval = 30 * time.Second
	notifyWriteWait    = 5 * time.Second
	notifyPongWait     = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // clients are native apps, not browsers
}

// ChangeMessage is the wire shape pushed to subscribers; it mirrors what
// changesub.decode expects.
type ChangeMessage struct {
	Type    string `json:"type"`
	Path    string `json:"path"`
	Version int64  `json:"version,omitempty"`
}

type subscription struct {
	userID   string
	deviceID string
	conn     *websocket.Conn
	send     chan ChangeMessage
}

// Hub fans file-change notifications out to every connected device for a
// user, except the device that originated the change.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{} // userID -> set
}

// NewHub builds an empty notification hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscription]struct{})}
}

// ServeWS upgrades r to a websocket, registers it under principal's user,
// and pumps messages until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, principal Principal) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("notify: upgrade failed", log.Err(err))
		return
	}

	sub := &subscription{userID: principal.UserID, conn: conn, send: make(chan ChangeMessage, 64)}
	h.register(sub)
	defer h.unregister(sub)

	go h.writePump(sub)
	h.readPump(sub) // blocks until the connection closes
}

func (h *Hub) register(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.userID]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[sub.userID] = set
	}
	set[sub] = struct{}{}
}

func (h *Hub) unregister(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.userID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.userID)
		}
	}
	close(sub.send)
	sub.conn.Close()
}

// readPump consumes client frames: the only inbound message this protocol
// defines is register-device, which tags the connection so broadcasts can
// exclude the originator.
func (h *Hub) readPump(sub *subscription) {
	sub.conn.SetReadDeadline(time.Now().Add(notifyPongWait))
	sub.conn.SetPingHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(notifyPongWait))
		return sub.conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(notifyWriteWait))
	})

	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}
		sub.conn.SetReadDeadline(time.Now().Add(notifyPongWait))

		var msg struct {
			Type     string `json:"type"`
			DeviceID string `json:"deviceId"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type == "register-device" {
			h.mu.Lock()
			sub.deviceID = msg.DeviceID
			h.mu.Unlock()
		}
	}
}

func (h *Hub) writePump(sub *subscription) {
	ticker := time.NewTicker(notifyPingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-sub.send:
			if !ok {
				sub.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(notifyWriteWait))
				return
			}
			sub.conn.SetWriteDeadline(time.Now().Add(notifyWriteWait))
			if err := sub.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(notifyWriteWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast delivers msg to every connection for userID except the one
// registered as originDeviceID.
func (h *Hub) Broadcast(userID, originDeviceID string, msg ChangeMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[userID] {
		if sub.deviceID != "" && sub.deviceID == originDeviceID {
			continue
		}
		select {
		case sub.send <- msg:
		default:
			// Slow consumer: drop rather than block the broadcaster. The
			// client's own full sweep will reconcile what it missed.
		}
	}
}
