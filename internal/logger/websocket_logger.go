package logger

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LogMessage 日志消息结构
type LogMessage struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WebSocketLogger WebSocket日志广播器。压测运行中的会话日志除了输出控制台，
// 还可实时推送给已连接的观察端（控制面/ws/logs端点）。
type WebSocketLogger struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWebSocketLogger 创建新的WebSocket日志器
func NewWebSocketLogger() *WebSocketLogger {
	return &WebSocketLogger{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run 启动WebSocket日志器
func (wsl *WebSocketLogger) Run() {
	for {
		select {
		case client := <-wsl.register:
			wsl.mu.Lock()
			wsl.clients[client] = true
			wsl.mu.Unlock()
			log.Printf("log stream client connected, total: %d", len(wsl.clients))

		case client := <-wsl.unregister:
			wsl.mu.Lock()
			if _, ok := wsl.clients[client]; ok {
				delete(wsl.clients, client)
				client.Close()
				wsl.mu.Unlock()
				log.Printf("log stream client disconnected, total: %d", len(wsl.clients))
			} else {
				wsl.mu.Unlock()
			}

		case message := <-wsl.broadcast:
			wsl.mu.RLock()
			var dead []*websocket.Conn
			for client := range wsl.clients {
				if err := client.WriteJSON(message); err != nil {
					dead = append(dead, client)
				}
			}
			wsl.mu.RUnlock()

			if len(dead) > 0 {
				wsl.mu.Lock()
				for _, client := range dead {
					delete(wsl.clients, client)
					client.Close()
				}
				wsl.mu.Unlock()
			}
		}
	}
}

func (wsl *WebSocketLogger) emit(level, module, message, sessionID string) {
	logMsg := LogMessage{
		Level:     level,
		Message:   message,
		Module:    module,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}

	// 同时输出到控制台
	if sessionID != "" {
		log.Printf("[%s] [%s] %s: %s", level, sessionID, module, message)
	} else {
		log.Printf("[%s] %s: %s", level, module, message)
	}

	select {
	case wsl.broadcast <- logMsg:
	default:
		// 通道满了就丢弃，避免阻塞压测路径
	}
}

// LogInfo 记录信息日志
func (wsl *WebSocketLogger) LogInfo(module, message, sessionID string) {
	wsl.emit("INFO", module, message, sessionID)
}

// LogError 记录错误日志
func (wsl *WebSocketLogger) LogError(module, message, sessionID string) {
	wsl.emit("ERROR", module, message, sessionID)
}

// LogSuccess 记录成功日志
func (wsl *WebSocketLogger) LogSuccess(module, message, sessionID string) {
	wsl.emit("SUCCESS", module, message, sessionID)
}

// LogWarning 记录警告日志
func (wsl *WebSocketLogger) LogWarning(module, message, sessionID string) {
	wsl.emit("WARNING", module, message, sessionID)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// HandleWebSocket 处理观察端的WebSocket连接
func (wsl *WebSocketLogger) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("log stream upgrade failed: %v", err)
		return
	}

	wsl.register <- conn

	welcomeMsg := LogMessage{
		Level:     "INFO",
		Message:   "connected to RTVI load test log stream",
		Module:    "LogStream",
		Timestamp: time.Now(),
	}
	conn.WriteJSON(welcomeMsg)

	defer func() {
		wsl.unregister <- conn
		conn.Close()
	}()

	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("log stream connection error: %v", err)
			}
			break
		}
	}
}

// 全局日志器实例
var GlobalLogger *WebSocketLogger

// InitGlobalLogger 初始化全局日志器
func InitGlobalLogger() {
	GlobalLogger = NewWebSocketLogger()
	go GlobalLogger.Run()
}

// 便捷函数：未初始化全局日志器时仅输出控制台
func LogInfo(module, message, sessionID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogInfo(module, message, sessionID)
		return
	}
	if sessionID != "" {
		log.Printf("[INFO] [%s] %s: %s", sessionID, module, message)
	} else {
		log.Printf("[INFO] %s: %s", module, message)
	}
}

func LogError(module, message, sessionID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogError(module, message, sessionID)
		return
	}
	if sessionID != "" {
		log.Printf("[ERROR] [%s] %s: %s", sessionID, module, message)
	} else {
		log.Printf("[ERROR] %s: %s", module, message)
	}
}

func LogSuccess(module, message, sessionID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogSuccess(module, message, sessionID)
		return
	}
	log.Printf("[SUCCESS] %s: %s", module, message)
}

func LogWarning(module, message, sessionID string) {
	if GlobalLogger != nil {
		GlobalLogger.LogWarning(module, message, sessionID)
		return
	}
	log.Printf("[WARNING] %s: %s", module, message)
}
