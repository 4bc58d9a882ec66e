package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"RTVILoadTest/internal/audio"
	"RTVILoadTest/internal/logger"
	"RTVILoadTest/internal/protocol"
	"RTVILoadTest/internal/session"
)

// ErrSessionNotFound 会话不存在（含已被清理的）
var ErrSessionNotFound = errors.New("session not found")

// Registry 交互式会话注册表。控制面按会话ID启动、操作、查询和关闭
// 长期存活的会话，与编排器的批量短生命周期用法互补。
type Registry struct {
	base *session.Config

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New 创建注册表。base为新会话的配置模板。
func New(base *session.Config) *Registry {
	if base == nil {
		base = session.DefaultConfig("")
	}
	return &Registry{
		base:     base,
		sessions: make(map[string]*session.Session),
	}
}

// Start 创建会话并完成连接握手，返回分配的会话ID。
// 连接或握手失败时会话不入表。
func (r *Registry) Start(ctx context.Context, endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("endpoint is required")
	}

	cfg := *r.base
	cfg.Endpoint = endpoint

	id := uuid.NewString()
	s := session.New(id, &cfg, nil)

	if err := s.Connect(ctx); err != nil {
		return "", fmt.Errorf("start session failed: %w", err)
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	logger.LogSuccess("Registry", fmt.Sprintf("session started to %s", endpoint), id)
	return id, nil
}

// SendText 向指定会话发送文本，返回消息ID
func (r *Registry) SendText(id, text string) (string, error) {
	s, err := r.get(id)
	if err != nil {
		return "", err
	}
	return s.SendText(text)
}

// SendAudio 向指定会话按实时节奏发送一段正弦音频，返回发送帧数
func (r *Registry) SendAudio(ctx context.Context, id string, duration time.Duration) (int, error) {
	s, err := r.get(id)
	if err != nil {
		return 0, err
	}

	if duration <= 0 {
		duration = audio.DefaultSineDuration
	}
	src := audio.NewSine(audio.DefaultSineFrequency, duration, audio.DefaultFrameDuration, r.base.SampleRate)
	return s.SendAudio(ctx, src)
}

// Messages 取出并清空指定会话的接收日志
func (r *Registry) Messages(id string) ([]*protocol.Envelope, error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return s.DrainMessages(), nil
}

// Status 返回指定会话的状态快照
func (r *Registry) Status(id string) (map[string]interface{}, error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return s.Status(), nil
}

// Close 关闭并移除指定会话
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	s.Close()
	logger.LogInfo("Registry", "session closed", id)
	return nil
}

// List 返回全部会话的状态快照
func (r *Registry) List() []map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]map[string]interface{}, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Status())
	}
	return out
}

// Count 返回在表会话数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll 关闭并移除全部会话
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	for id, s := range sessions {
		s.Close()
		logger.LogInfo("Registry", "session closed", id)
	}
}

// CleanupIdle 关闭并移除空闲超过idleTimeout、或已到终态的会话，
// 返回清理数量。由调用方定期触发。
func (r *Registry) CleanupIdle(idleTimeout time.Duration) int {
	cutoff := time.Now().Add(-idleTimeout)

	r.mu.Lock()
	var stale []*session.Session
	for id, s := range r.sessions {
		if s.State().Terminal() || s.LastActivity().Before(cutoff) {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.Close()
		logger.LogInfo("Registry", "idle session cleaned up", s.ID())
	}
	return len(stale)
}

func (r *Registry) get(id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}
