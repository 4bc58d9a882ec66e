package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"RTVILoadTest/internal/registry"
)

// APIResponse 统一响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// WriteSuccess 写成功响应
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// WriteError 写错误响应
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// SessionHandler 交互式会话控制处理器
type SessionHandler struct {
	registry *registry.Registry
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(reg *registry.Registry) *SessionHandler {
	return &SessionHandler{registry: reg}
}

// RegisterRoutes 注册会话控制路由
func (h *SessionHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/test/session/start", h.StartSession).Methods("POST")
	r.HandleFunc("/test/session/{id}/text", h.SendText).Methods("POST")
	r.HandleFunc("/test/session/{id}/audio", h.SendAudio).Methods("POST")
	r.HandleFunc("/test/session/{id}/messages", h.GetMessages).Methods("GET")
	r.HandleFunc("/test/session/{id}/status", h.GetStatus).Methods("GET")
	r.HandleFunc("/test/session/{id}", h.CloseSession).Methods("DELETE")
	r.HandleFunc("/test/sessions", h.ListSessions).Methods("GET")
}

// StartSession 启动一条到指定bot的会话
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BotHost string `json:"bot_host"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.BotHost == "" {
		WriteError(w, http.StatusBadRequest, "missing_bot_host", "bot_host is required")
		return
	}

	id, err := h.registry.Start(r.Context(), req.BotHost)
	if err != nil {
		WriteError(w, http.StatusBadGateway, "session_start_failed", err.Error())
		return
	}

	WriteSuccess(w, map[string]string{"session_id": id})
}

// SendText 向会话发送文本
func (h *SessionHandler) SendText(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Text == "" {
		WriteError(w, http.StatusBadRequest, "missing_text", "text is required")
		return
	}

	msgID, err := h.registry.SendText(id, req.Text)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	WriteSuccess(w, map[string]string{"message_id": msgID})
}

// SendAudio 向会话按实时节奏发送一段合成音频
func (h *SessionHandler) SendAudio(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		DurationMs int `json:"duration_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	frames, err := h.registry.SendAudio(r.Context(), id,
		time.Duration(req.DurationMs)*time.Millisecond)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	WriteSuccess(w, map[string]int{"frames_sent": frames})
}

// GetMessages 取出会话收到的消息（取走即清）
func (h *SessionHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	msgs, err := h.registry.Messages(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	WriteSuccess(w, map[string]interface{}{
		"count":    len(msgs),
		"messages": msgs,
	})
}

// GetStatus 查询会话状态
func (h *SessionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	status, err := h.registry.Status(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	WriteSuccess(w, status)
}

// CloseSession 关闭会话
func (h *SessionHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.registry.Close(id); err != nil {
		writeRegistryError(w, err)
		return
	}

	WriteSuccess(w, map[string]string{"message": "Session closed"})
}

// ListSessions 列出全部会话
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]interface{}{
		"count":    h.registry.Count(),
		"sessions": h.registry.List(),
	})
}

func writeRegistryError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrSessionNotFound) {
		WriteError(w, http.StatusNotFound, "session_not_found", "Session not found")
		return
	}
	WriteError(w, http.StatusInternalServerError, "session_error", err.Error())
}
