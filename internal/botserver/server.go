package botserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"RTVILoadTest/internal/protocol"
)

// ServerConfig 模拟bot服务器配置
type ServerConfig struct {
	Addr                   string
	ReadyDelay             time.Duration // 模拟管线初始化耗时，client-ready后延迟这么久再回bot-ready
	EnableBotReady         bool          // 关闭后不回bot-ready，用于演练握手超时
	EnableTranscriptPush   bool          // 是否周期性推送转写消息
	PushInterval           time.Duration // 推送间隔
	EnableConnectEndpoint  bool          // 是否提供POST /connect预检端点
	EnableRandomDisconnect bool          // 是否随机断连
	DisconnectProbability  float64       // 断连概率 (0.0-1.0)
	MaxConnections         int           // 最大连接数
	ReadBufferSize         int
	WriteBufferSize        int
	EnableCompression      bool
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:                   addr,
		ReadyDelay:             0,
		EnableBotReady:         true,
		EnableTranscriptPush:   false,
		PushInterval:           time.Second,
		EnableConnectEndpoint:  true,
		EnableRandomDisconnect: false,
		DisconnectProbability:  0.01,
		MaxConnections:         1000,
		ReadBufferSize:         4096,
		WriteBufferSize:        4096,
		EnableCompression:      false,
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt    time.Time
	AudioFrames    atomic.Uint64
	TextMessages   atomic.Uint64
	MessagesSent   atomic.Uint64
	BytesReceived  atomic.Uint64
	BytesSent      atomic.Uint64
	LastActivity   atomic.Int64 // unix nano
}

// Connection 一条客户端连接
type Connection struct {
	ID    string
	Conn  *websocket.Conn
	Stats *ConnectionStats

	ready atomic.Bool // 已完成client-ready/bot-ready握手

	stopChan  chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex // WebSocket写入保护
}

func (c *Connection) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// Server 模拟RTVI bot的WebSocket服务器：完成client-ready/bot-ready握手、
// 吞音频帧、对send-text回转写消息。压测时作为被测端的替身。
type Server struct {
	config   *ServerConfig
	server   *http.Server
	upgrader websocket.Upgrader

	// 连接管理
	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	// 后台任务管理
	bgWg   sync.WaitGroup
	stopCh chan struct{}

	seqGenerator atomic.Uint64

	forceDisconnect atomic.Bool
	isRunning       atomic.Bool

	// 统计信息
	totalConnections atomic.Uint64
	totalAudioFrames atomic.Uint64
	totalMessages    atomic.Uint64
	startTime        time.Time
}

// New 创建模拟bot服务器
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig(":8080")
	}

	server := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			EnableCompression: config.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
		stopCh:    make(chan struct{}),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.handleWebSocket)
	mux.HandleFunc("/stats", server.handleStats)
	mux.HandleFunc("/control", server.handleControl)
	if config.EnableConnectEndpoint {
		mux.HandleFunc("/connect", server.handleConnect)
	}

	server.server = &http.Server{
		Addr:    config.Addr,
		Handler: mux,
	}

	return server
}

// Start 启动服务器
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	log.Printf("Starting bot server on %s", s.config.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	// 给服务器足够的时间启动
	time.Sleep(200 * time.Millisecond)

	if s.config.EnableTranscriptPush {
		s.bgWg.Add(1)
		go s.transcriptPushLoop()
	}

	return nil
}

// Shutdown 关闭服务器
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	log.Printf("Shutting down bot server...")

	close(s.stopCh)

	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		s.closeConnection(conn, "Server shutdown")
		return true
	})

	s.connWg.Wait()
	s.bgWg.Wait()

	return s.server.Shutdown(ctx)
}

// ForceDisconnectAll 强制断开所有连接
func (s *Server) ForceDisconnectAll() {
	s.forceDisconnect.Store(true)
	log.Printf("Force disconnecting all connections")

	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		s.closeConnection(conn, "Force disconnect")
		return true
	})

	s.forceDisconnect.Store(false)
}

// handleConnect 连接预检：返回WebSocket地址
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	wsURL := fmt.Sprintf("ws://%s/ws", r.Host)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"ws_url": wsURL})
}

// handleWebSocket 处理WebSocket连接
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	connID := fmt.Sprintf("bot_conn_%d_%d", time.Now().UnixNano(), s.totalConnections.Add(1))
	conn := &Connection{
		ID:       connID,
		Conn:     wsConn,
		Stats:    &ConnectionStats{ConnectedAt: time.Now()},
		stopChan: make(chan struct{}),
	}
	conn.Stats.LastActivity.Store(time.Now().UnixNano())

	s.connections.Store(connID, conn)
	s.connCount.Add(1)

	s.handleConnection(conn)
}

// handleConnection 处理单个连接的生命周期
func (s *Server) handleConnection(conn *Connection) {
	s.connWg.Add(1)
	defer func() {
		s.closeConnection(conn, "Connection ended")
		s.connWg.Done()
	}()

	// RTVI握手
	if !s.handleHandshake(conn) {
		return
	}

	s.connWg.Add(1)
	go s.messageReadLoop(conn)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-conn.stopChan:
			return
		case <-ticker.C:
			if s.config.EnableRandomDisconnect && s.shouldDisconnect() {
				log.Printf("Random disconnect: %s", conn.ID)
				return
			}
			if s.forceDisconnect.Load() {
				return
			}
		}
	}
}

// handleHandshake 等待client-ready，按配置延迟后回bot-ready
func (s *Server) handleHandshake(conn *Connection) bool {
	conn.Conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	messageType, rawData, err := conn.Conn.ReadMessage()
	if err != nil {
		log.Printf("Read client-ready failed: %v", err)
		return false
	}

	if messageType != websocket.TextMessage {
		log.Printf("Expected text message for handshake")
		return false
	}

	env, err := protocol.Decode(rawData)
	if err != nil {
		log.Printf("Decode handshake envelope failed: %v", err)
		return false
	}

	if env.Type != protocol.TypeClientReady {
		log.Printf("Expected client-ready, got: %s", env.Type)
		return false
	}

	if !s.config.EnableBotReady {
		// 故意不回bot-ready，让客户端握手超时
		conn.Conn.SetReadDeadline(time.Time{})
		return true
	}

	if s.config.ReadyDelay > 0 {
		// 模拟管线初始化耗时
		select {
		case <-time.After(s.config.ReadyDelay):
		case <-conn.stopChan:
			return false
		}
	}

	botReady, err := protocol.NewEnvelope(protocol.TypeBotReady,
		map[string]string{"version": "1.0"})
	if err != nil {
		return false
	}
	if err := s.sendEnvelope(conn, botReady); err != nil {
		log.Printf("Send bot-ready failed: %v", err)
		return false
	}

	conn.ready.Store(true)
	conn.Conn.SetReadDeadline(time.Time{})
	return true
}

// messageReadLoop 消息读取循环
func (s *Server) messageReadLoop(conn *Connection) {
	defer func() {
		conn.safeClose()
		s.connWg.Done()
	}()

	conn.Conn.SetReadLimit(protocol.MaxEnvelopeSize)

	for {
		select {
		case <-conn.stopChan:
			return
		default:
			conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			messageType, rawData, err := conn.Conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("Connection read error: %v", err)
				}
				return
			}

			conn.Stats.BytesReceived.Add(uint64(len(rawData)))
			conn.Stats.LastActivity.Store(time.Now().UnixNano())
			s.totalMessages.Add(1)

			if messageType != websocket.TextMessage {
				continue
			}

			if done := s.handleEnvelope(conn, rawData); done {
				return
			}
		}
	}
}

// handleEnvelope 处理单条入站信封，返回true表示连接应结束
func (s *Server) handleEnvelope(conn *Connection, rawData []byte) bool {
	env, err := protocol.Decode(rawData)
	if err != nil {
		log.Printf("Decode envelope failed: %v", err)
		return false
	}

	switch env.Type {
	case protocol.TypeRawAudio:
		conn.Stats.AudioFrames.Add(1)
		s.totalAudioFrames.Add(1)
	case protocol.TypeSendText:
		conn.Stats.TextMessages.Add(1)
		s.handleSendText(conn, env)
	case protocol.TypeDisconnect:
		return true
	default:
		log.Printf("Unknown envelope type: %s", env.Type)
	}
	return false
}

// handleSendText 对文本消息回一条模拟转写
func (s *Server) handleSendText(conn *Connection, env *protocol.Envelope) {
	var data protocol.TextData
	if err := env.DecodeData(&data); err != nil {
		log.Printf("Decode send-text data failed: %v", err)
		return
	}

	reply, err := protocol.NewEnvelope("bot-transcription", map[string]interface{}{
		"text":     fmt.Sprintf("echo: %s", data.Content),
		"final":    true,
		"reply_to": env.ID,
	})
	if err != nil {
		return
	}
	s.sendEnvelope(conn, reply)
}

// transcriptPushLoop 周期性向已握手连接推送转写消息
func (s *Server) transcriptPushLoop() {
	defer s.bgWg.Done()

	ticker := time.NewTicker(s.config.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.connCount.Load() == 0 {
				continue
			}

			seq := s.seqGenerator.Add(1)
			env, err := protocol.NewEnvelope("bot-transcription", map[string]interface{}{
				"text":  fmt.Sprintf("transcript segment %d", seq),
				"final": seq%5 == 0,
			})
			if err != nil {
				continue
			}
			s.broadcastEnvelope(env)
		}
	}
}

// sendEnvelope 发送信封给指定连接
func (s *Server) sendEnvelope(conn *Connection, env *protocol.Envelope) error {
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err = conn.Conn.WriteMessage(websocket.TextMessage, raw)
	if err == nil {
		conn.Stats.MessagesSent.Add(1)
		conn.Stats.BytesSent.Add(uint64(len(raw)))
	}
	return err
}

// broadcastEnvelope 广播信封给所有已握手连接
func (s *Server) broadcastEnvelope(env *protocol.Envelope) {
	raw, err := protocol.Encode(env)
	if err != nil {
		log.Printf("Encode broadcast envelope failed: %v", err)
		return
	}

	var failedConns []*Connection

	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)

		// 只向已完成握手的连接推送
		if !conn.ready.Load() {
			return true
		}

		conn.mu.Lock()
		conn.Conn.SetWriteDeadline(time.Now().Add(time.Second))
		err := conn.Conn.WriteMessage(websocket.TextMessage, raw)
		if err == nil {
			conn.Stats.MessagesSent.Add(1)
			conn.Stats.BytesSent.Add(uint64(len(raw)))
		}
		conn.mu.Unlock()

		if err != nil {
			log.Printf("Broadcast to %s failed: %v", conn.ID, err)
			failedConns = append(failedConns, conn)
		}
		return true
	})

	for _, conn := range failedConns {
		s.closeConnection(conn, "Broadcast failed")
	}
}

// closeConnection 关闭连接
func (s *Server) closeConnection(conn *Connection, reason string) {
	if _, loaded := s.connections.LoadAndDelete(conn.ID); loaded {
		s.connCount.Add(-1)
	}

	conn.mu.Lock()
	if conn.Conn != nil {
		conn.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		conn.Conn.Close()
	}
	conn.mu.Unlock()

	conn.safeClose()
}

// shouldDisconnect 判断是否应该随机断连
func (s *Server) shouldDisconnect() bool {
	return time.Now().UnixNano()%1000 < int64(s.config.DisconnectProbability*1000)
}

// handleStats 处理统计信息请求
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}

// handleControl 处理控制命令
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	action := r.URL.Query().Get("action")
	switch action {
	case "disconnect_all":
		s.ForceDisconnectAll()
		fmt.Fprintf(w, "Disconnected all connections")
	case "enable_bot_ready":
		s.config.EnableBotReady = true
		fmt.Fprintf(w, "bot-ready enabled")
	case "disable_bot_ready":
		s.config.EnableBotReady = false
		fmt.Fprintf(w, "bot-ready disabled")
	default:
		http.Error(w, "Unknown action", http.StatusBadRequest)
	}
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":             s.isRunning.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"total_audio_frames":  s.totalAudioFrames.Load(),
		"total_messages":      s.totalMessages.Load(),
	}
}

// GetConnectionStats 获取连接统计信息
func (s *Server) GetConnectionStats() map[string]*ConnectionStats {
	stats := make(map[string]*ConnectionStats)

	s.connections.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*Connection).Stats
		return true
	})

	return stats
}
