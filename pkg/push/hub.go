package push

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bastion-games/bastion/pkg/events"
	"github.com/bastion-games/bastion/pkg/log"
	"github.com/bastion-games/bastion/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sessionBuffer  = 64
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Game clients connect from arbitrary origins; auth happens at login
	CheckOrigin: func(r *http.Request) bool { return true },
}

// session is one connected client
type session struct {
	userID int64
	conn   *websocket.Conn
	sendCh chan []byte
	closed chan struct{}
	once   sync.Once
}

// Hub tracks connected sessions and pumps broker events to them
type Hub struct {
	broker *events.Broker
	sub    events.Subscriber

	mu       sync.RWMutex
	sessions map[int64]*session

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewHub creates a Hub fed by the given event broker
func NewHub(broker *events.Broker) *Hub {
	return &Hub{
		broker:   broker,
		sessions: make(map[int64]*session),
		stopCh:   make(chan struct{}),
	}
}

// Start begins routing broker events to sessions
func (h *Hub) Start() {
	h.sub = h.broker.Subscribe()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-h.stopCh:
				return
			case event, ok := <-h.sub:
				if !ok {
					return
				}
				h.route(event)
			}
		}
	}()
	logger := log.WithComponent("push")
	logger.Info().Msg("Push hub started")
}

// Stop disconnects every session and stops the event pump
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.stopCh) })
	if h.sub != nil {
		h.broker.Unsubscribe(h.sub)
	}

	h.mu.Lock()
	for _, s := range h.sessions {
		s.close()
	}
	h.sessions = make(map[int64]*session)
	h.mu.Unlock()

	h.wg.Wait()
}

// route fans one event out. UserID 0 broadcasts.
func (h *Hub) route(event *events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger := log.WithComponent("push")
		logger.Error().Err(err).Msg("Failed to encode push event")
		return
	}
	if event.UserID == 0 {
		h.broadcast(data)
		return
	}
	h.send(event.UserID, data)
}

func (h *Hub) send(userID int64, data []byte) {
	h.mu.RLock()
	s := h.sessions[userID]
	h.mu.RUnlock()
	if s == nil {
		metrics.PushMessagesDropped.Inc()
		return
	}
	select {
	case s.sendCh <- data:
		metrics.PushMessagesSent.Inc()
	default:
		// Slow consumer; drop rather than block the pump
		metrics.PushMessagesDropped.Inc()
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.sendCh <- data:
			metrics.PushMessagesSent.Inc()
		default:
			metrics.PushMessagesDropped.Inc()
		}
	}
}

// SessionCount returns the number of connected sessions
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Connect upgrades an HTTP request into the user's push session. A second
// connection for the same user replaces the first.
func (h *Hub) Connect(w http.ResponseWriter, r *http.Request, userID int64) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	s := &session{
		userID: userID,
		conn:   conn,
		sendCh: make(chan []byte, sessionBuffer),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	if old := h.sessions[userID]; old != nil {
		old.close()
	}
	h.sessions[userID] = s
	h.mu.Unlock()
	metrics.PushSessions.Set(float64(h.SessionCount()))

	logger := log.WithUserID(userID)
	logger.Debug().Msg("Push session connected")

	go s.writePump()
	go h.readPump(s)
	return nil
}

func (h *Hub) detach(s *session) {
	h.mu.Lock()
	if h.sessions[s.userID] == s {
		delete(h.sessions, s.userID)
	}
	h.mu.Unlock()
	metrics.PushSessions.Set(float64(h.SessionCount()))
}

// readPump consumes client frames. Clients only send heartbeats; a ping
// message gets a pong reply, anything else is ignored until the connection
// errors or closes.
func (h *Hub) readPump(s *session) {
	defer func() {
		h.detach(s)
		s.close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "ping" {
			continue
		}
		select {
		case s.sendCh <- pongMessage:
		default:
			// The send buffer is full of real pushes; the client will retry
		}
	}
}

var pongMessage = []byte(`{"type":"pong"}`)

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.closed:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) close() {
	s.once.Do(func() { close(s.closed) })
}
