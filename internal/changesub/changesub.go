// Package changesub is the client side of the server's change-notification
// channel: a long-lived websocket delivering file-updated/file-deleted
// events, with heartbeat and reconnect-with-backoff built in.
package changesub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType discriminates the server-pushed message types this client
// understands; anything else is ignored.
type EventType string

const (
	EventFileUpdated EventType = "file-updated"
	EventFileDeleted EventType = "file-deleted"
)

// Event is one decoded server notification.
type Event struct {
	Type    EventType
	Path    string
	Version int64
}

const (
	pingInterval   = 30 * time.Second
	staleTimeout   = 60 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Subscriber maintains one reconnecting websocket connection and delivers
// decoded events on Events().
type Subscriber struct {
	serverURL  string
	credential string
	deviceID   string

	events chan Event

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Subscriber against serverURL (an http(s):// base, rewritten
// to ws(s):// internally), authenticating with credential and identifying
// itself as deviceID so the server can exclude this connection from
// broadcasts of its own writes.
func New(serverURL, credential, deviceID string) *Subscriber {
	return &Subscriber{
		serverURL:  serverURL,
		credential: credential,
		deviceID:   deviceID,
		events:     make(chan Event, 64),
	}
}

// Events returns the channel of decoded server notifications.
func (s *Subscriber) Events() <-chan Event { return s.events }

func (s *Subscriber) wsURL() (string, error) {
	u, err := url.Parse(s.serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", s.credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect starts the reconnect loop in the background and returns
// immediately. Call Disconnect to stop it.
func (s *Subscriber) Connect(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.reconnectLoop(ctx)
}

// Disconnect cancels the reconnect loop and waits for it to exit.
func (s *Subscriber) Disconnect() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (s *Subscriber) reconnectLoop(ctx context.Context) {
	defer close(s.done)
	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.runOneConnection(ctx)
		if ctx.Err() != nil {
			return
		}
		// Any close (clean or error) reconnects with exponential backoff,
		// since the distinction is not actionable by this client.
		_ = err

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runOneConnection dials, registers the device, and pumps messages until
// the connection closes or ctx is cancelled.
func (s *Subscriber) runOneConnection(ctx context.Context) error {
	wsURL, err := s.wsURL()
	if err != nil {
		return fmt.Errorf("changesub: build url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("changesub: dial: %w", err)
	}
	defer conn.Close()

	// A successful connection does not reset backoff: reconnectLoop keeps
	// doubling it up to maxBackoff, and only a new reconnectLoop starts
	// again from initialBackoff.

	if s.deviceID != "" {
		_ = conn.WriteJSON(map[string]string{"type": "register-device", "deviceId": s.deviceID})
	}

	conn.SetReadDeadline(time.Now().Add(staleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(staleTimeout))
		return nil
	})

	stopPing := make(chan struct{})
	var pingWG sync.WaitGroup
	pingWG.Add(1)
	go func() {
		defer pingWG.Done()
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			case <-stopPing:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	defer func() {
		close(stopPing)
		pingWG.Wait()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(staleTimeout))

		ev, ok := decode(data)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

func decode(data []byte) (Event, bool) {
	var raw struct {
		Type    string `json:"type"`
		Path    string `json:"path"`
		Version int64  `json:"version"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, false
	}
	switch EventType(raw.Type) {
	case EventFileUpdated:
		return Event{Type: EventFileUpdated, Path: raw.Path, Version: raw.Version}, true
	case EventFileDeleted:
		return Event{Type: EventFileDeleted, Path: raw.Path}, true
	default:
		return Event{}, false
	}
}
