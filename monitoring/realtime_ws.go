package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"imageforest/ml"
)

// MessageType 消息类型
type MessageType string

const (
	TrainingProgress MessageType = "training_progress"
	PredictionEvent  MessageType = "prediction"
	Heartbeat        MessageType = "heartbeat"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 256
)

// Message 监控消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
}

// ClientMessage 客户端发来的订阅消息
type ClientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// Client WebSocket客户端
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string

	mu            sync.RWMutex
	subscriptions map[MessageType]bool // 为空时接收全部消息
}

func (c *Client) wants(t MessageType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[t]
}

type envelope struct {
	kind    MessageType
	payload []byte
}

// WebSocketHub WebSocket中心
type WebSocketHub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *zap.Logger
}

// NewWebSocketHub 创建WebSocket中心
func NewWebSocketHub(logger *zap.Logger) *WebSocketHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Start 启动WebSocket中心
func (h *WebSocketHub) Start() {
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", zap.String("client", client.clientID), zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", zap.String("client", client.clientID), zap.Int("total", total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg.kind) {
					continue
				}
				select {
				case client.send <- msg.payload:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop 停止WebSocket中心
func (h *WebSocketHub) Stop() {
	h.cancel()
}

// Clients 当前连接数
func (h *WebSocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 处理WebSocket连接
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		clientID:      uuid.NewString(),
		subscriptions: make(map[MessageType]bool),
	}

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump(h.logger)
	go client.readPump(h)
}

// Broadcast 广播消息
func (h *WebSocketHub) Broadcast(kind MessageType, payload []byte) bool {
	select {
	case h.broadcast <- envelope{kind: kind, payload: payload}:
		return true
	default:
		h.logger.Warn("websocket broadcast queue is full, dropping message", zap.String("type", string(kind)))
		return false
	}
}

// writePump WebSocket写入泵
func (c *Client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("websocket write error", zap.String("client", c.clientID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump WebSocket读取泵
func (c *Client) readPump(h *WebSocketHub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.ctx.Done():
		}
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("failed to parse client message", zap.Error(err))
			continue
		}
		c.handleClientMessage(msg)
	}
}

func (c *Client) handleClientMessage(msg ClientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case "subscribe":
		c.subscriptions[MessageType(msg.Topic)] = true
	case "unsubscribe":
		delete(c.subscriptions, MessageType(msg.Topic))
	}
}

// MonitorStats 监控统计
type MonitorStats struct {
	ConnectedClients int       `json:"connected_clients"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesDropped  int64     `json:"messages_dropped"`
	StartTime        time.Time `json:"start_time"`
	LastMessageTime  time.Time `json:"last_message_time"`
}

// DefaultHeartbeatInterval 默认心跳间隔
const DefaultHeartbeatInterval = 30 * time.Second

// RealtimeMonitor 实时监控器,把训练进度和预测事件推给浏览器
type RealtimeMonitor struct {
	hub       *WebSocketHub
	mu        sync.RWMutex
	running   bool
	heartbeat time.Duration
	stop      chan struct{}
	start   time.Time
	last    time.Time
	sent    atomic.Int64
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewRealtimeMonitor 创建实时监控器
func NewRealtimeMonitor(logger *zap.Logger) *RealtimeMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeMonitor{hub: NewWebSocketHub(logger), heartbeat: DefaultHeartbeatInterval, logger: logger}
}

// SetHeartbeatInterval 设置心跳间隔,在Start之前调用;非正值关闭心跳
func (m *RealtimeMonitor) SetHeartbeatInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeat = d
}

// Start 启动监控器
func (m *RealtimeMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("monitor is already running")
	}
	go m.hub.Start()
	m.running = true
	m.start = time.Now()
	m.stop = make(chan struct{})
	if m.heartbeat > 0 {
		go m.heartbeatLoop(m.heartbeat, m.stop)
	}
	m.logger.Info("realtime monitor started")
	return nil
}

func (m *RealtimeMonitor) heartbeatLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.SendHeartbeat(); err != nil {
				m.logger.Debug("heartbeat not delivered", zap.Error(err))
			}
		}
	}
}

// Stop 停止监控器
func (m *RealtimeMonitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return fmt.Errorf("monitor is not running")
	}
	m.running = false
	close(m.stop)
	m.hub.Stop()
	m.logger.Info("realtime monitor stopped")
	return nil
}

func (m *RealtimeMonitor) Hub() *WebSocketHub { return m.hub }

func (m *RealtimeMonitor) send(kind MessageType, data interface{}) error {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()
	if !running {
		return fmt.Errorf("monitor is not running")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Message{
		Type:      kind,
		Timestamp: time.Now(),
		Data:      raw,
		ID:        uuid.NewString(),
	})
	if err != nil {
		return err
	}
	if !m.hub.Broadcast(kind, payload) {
		m.dropped.Add(1)
		return nil
	}
	m.sent.Add(1)
	m.mu.Lock()
	m.last = time.Now()
	m.mu.Unlock()
	return nil
}

// SendProgress 推送训练进度
func (m *RealtimeMonitor) SendProgress(p ml.Progress) error {
	return m.send(TrainingProgress, p)
}

// SendPrediction 推送预测结果
func (m *RealtimeMonitor) SendPrediction(result interface{}) error {
	return m.send(PredictionEvent, result)
}

// SendHeartbeat 发送心跳
func (m *RealtimeMonitor) SendHeartbeat() error {
	return m.send(Heartbeat, map[string]interface{}{"uptime": time.Since(m.start).String()})
}

// ProgressSink 适配训练器的进度回调
func (m *RealtimeMonitor) ProgressSink() ml.ProgressFunc {
	return func(p ml.Progress) {
		if err := m.SendProgress(p); err != nil {
			m.logger.Debug("progress not delivered", zap.Error(err))
		}
	}
}

// GetStats 获取统计
func (m *RealtimeMonitor) GetStats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MonitorStats{
		ConnectedClients: m.hub.Clients(),
		MessagesSent:     m.sent.Load(),
		MessagesDropped:  m.dropped.Load(),
		StartTime:        m.start,
		LastMessageTime:  m.last,
	}
}
