package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fund/execution/internal/ledger"
	"github.com/fund/execution/pkg/logger"
)

// FeedConfig 事件推送配置
type FeedConfig struct {
	AllowedOrigins []string
}

// Feed 订单事件 WebSocket 推送。所有连接收到同一事件流，
// 作为账本发布器与 Redis Stream 发布器并联使用。
type Feed struct {
	clients map[*feedClient]bool
	mu      sync.RWMutex

	upgrader websocket.Upgrader
	cfg      FeedConfig
	log      *logger.Logger
}

type feedClient struct {
	conn      *websocket.Conn
	feed      *Feed
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewFeed 创建事件推送
func NewFeed(cfg *FeedConfig, log *logger.Logger) *Feed {
	c := FeedConfig{}
	if cfg != nil {
		c = *cfg
	}

	f := &Feed{
		clients: make(map[*feedClient]bool),
		cfg:     c,
		log:     log,
	}
	f.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return allowOrigin(r, f.cfg.AllowedOrigins)
		},
	}
	return f
}

// PublishOrderEvent 实现账本事件发布器：序列化后广播给所有连接。
// 广播尽力而为，不会因慢客户端阻塞结算路径。
func (f *Feed) PublishOrderEvent(ctx context.Context, update *ledger.OrderUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	f.Broadcast(data)
	return nil
}

// HandleWS 处理 WebSocket 连接
func (f *Feed) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &feedClient{
		conn:   conn,
		feed:   f,
		send:   make(chan []byte, 256),
		closed: make(chan struct{}),
	}

	f.mu.Lock()
	f.clients[client] = true
	f.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

type feedRequest struct {
	Op string `json:"op"`
}

type feedResponse struct {
	Op    string `json:"op,omitempty"`
	Error string `json:"error,omitempty"`
}

func (c *feedClient) readPump() {
	defer func() {
		c.close()
		c.feed.removeClient(c)
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.feed.log.WithError(err).Debug("websocket read error")
			}
			break
		}

		var req feedRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendResponse(&feedResponse{Error: "invalid request"})
			continue
		}
		switch req.Op {
		case "ping":
			c.sendResponse(&feedResponse{Op: "pong"})
		default:
			c.sendResponse(&feedResponse{Error: "unknown op"})
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *feedClient) sendResponse(resp *feedResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.trySend(data)
}

func (c *feedClient) trySend(data []byte) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *feedClient) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (f *Feed) removeClient(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		c.close()
	}
}

// Broadcast 广播消息，慢客户端丢弃
func (f *Feed) Broadcast(message []byte) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for client := range f.clients {
		select {
		case client.send <- message:
		default:
		}
	}
}

// ClientCount 客户端数量
func (f *Feed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// CloseAll 关闭所有连接
func (f *Feed) CloseAll() {
	f.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(f.clients))
	for c := range f.clients {
		conns = append(conns, c.conn)
	}
	f.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func allowOrigin(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients usually don't send Origin.
		return true
	}
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
