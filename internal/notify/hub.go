package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mmeshcher/referral-network/internal/model"
)

const (
	authTimeout    = 10 * time.Second
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1024
	sendBuffer     = 16
)

type authMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type controlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub хранит websocket-подключения пользователей и доставляет им уведомления.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	logger  *zap.Logger
}

// NewHub создаёт пустой Hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		logger:  logger,
	}
}

// Clients возвращает общее число активных подключений.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, set := range h.clients {
		total += len(set)
	}
	return total
}

func (h *Hub) connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Deliver отправляет кадр во все подключения получателя.
// Отсутствие подключений ошибкой не считается.
func (h *Hub) Deliver(_ context.Context, n model.Notification) error {
	msg, err := Encode(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[n.UserID] {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("websocket client too slow, frame dropped", zap.String("userID", n.UserID))
		}
	}
	return nil
}

// Close разрывает все подключения. Serve для каждого из них завершится сам.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, set := range h.clients {
		for c := range set {
			_ = c.conn.Close()
		}
	}
}

// Serve обслуживает подключение до его закрытия.
// Первый кадр клиента должен быть {"type":"auth","userId":"..."}.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, authorize func(ctx context.Context, userID string) error) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)

	userID, err := readAuth(conn)
	if err == nil {
		err = authorize(ctx, userID)
	}
	if err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(controlMessage{Type: "auth_error", Message: err.Error()})
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	ack, _ := json.Marshal(controlMessage{Type: "auth_success", Message: "Connected successfully"})
	c.send <- ack

	h.register(userID, c)
	h.logger.Info("websocket connected", zap.String("userID", userID))

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()

	c.readPump()

	h.unregister(userID, c)
	close(c.send)
	<-done

	h.logger.Info("websocket disconnected", zap.String("userID", userID))
}

func readAuth(conn *websocket.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(authTimeout)); err != nil {
		return "", err
	}

	var msg authMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return "", fmt.Errorf("read auth message: %w", err)
	}
	if msg.Type != "auth" || msg.UserID == "" {
		return "", errors.New("first message must be auth with userId")
	}
	return msg.UserID, nil
}

func (h *Hub) register(userID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(userID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.clients[userID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, userID)
	}
}

func (c *client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				// разрываем соединение, чтобы readPump завершился
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}
