package registry

import (
	"sync"
	"time"
)

// Session 一个端到端实时连接的注册表记录
// 所有字段通过方法访问，每个会话持有独立的互斥锁（细粒度原子性）
type Session struct {
	id        string
	createdAt time.Time

	mu               sync.Mutex
	state            SessionState
	workerID         int
	workerAssigned   bool
	lastHealthyAt    time.Time
	reconnectAttempt int
	closedAt         time.Time
	overlaysEmitted  uint64
}

// SessionInfo 会话的只读快照，用于健康巡检和统计接口
type SessionInfo struct {
	ID               string       `json:"session_id"`
	State            SessionState `json:"-"`
	StateName        string       `json:"state"`
	WorkerID         int          `json:"worker_id"`
	WorkerAssigned   bool         `json:"worker_assigned"`
	CreatedAt        time.Time    `json:"created_at"`
	LastHealthyAt    time.Time    `json:"last_healthy_at"`
	ReconnectAttempt int          `json:"reconnect_attempt"`
	ClosedAt         time.Time    `json:"closed_at,omitempty"`
	OverlaysEmitted  uint64       `json:"overlays_emitted"`
}

// ID 返回会话ID（创建后不可变）
func (s *Session) ID() string {
	return s.id
}

// CreatedAt 返回创建时间
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// State 返回当前状态
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WorkerID 返回分配的worker，未分配时second返回false
func (s *Session) WorkerID() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerID, s.workerAssigned
}

// LastHealthyAt 返回最近一次健康时间
func (s *Session) LastHealthyAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHealthyAt
}

// MarkHealthy 刷新健康时间戳
func (s *Session) MarkHealthy(now time.Time) {
	s.mu.Lock()
	s.lastHealthyAt = now
	s.mu.Unlock()
}

// ReconnectAttempt 返回当前重连尝试计数
func (s *Session) ReconnectAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempt
}

// IncReconnectAttempt 重连计数+1并返回新值
func (s *Session) IncReconnectAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempt++
	return s.reconnectAttempt
}

// CountOverlay 累计已发送overlay数（用于统计和归档）
func (s *Session) CountOverlay() {
	s.mu.Lock()
	s.overlaysEmitted++
	s.mu.Unlock()
}

// Info 生成只读快照
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:               s.id,
		State:            s.state,
		StateName:        s.state.String(),
		WorkerID:         s.workerID,
		WorkerAssigned:   s.workerAssigned,
		CreatedAt:        s.createdAt,
		LastHealthyAt:    s.lastHealthyAt,
		ReconnectAttempt: s.reconnectAttempt,
		ClosedAt:         s.closedAt,
		OverlaysEmitted:  s.overlaysEmitted,
	}
}
