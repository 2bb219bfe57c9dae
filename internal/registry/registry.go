package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"EmotionFusionPipeline/internal/metrics"
)

var (
	ErrSessionExists     = errors.New("session already exists")
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyAssigned   = errors.New("session already assigned to a different worker")
)

// CloseHook 在会话第一次关闭时调用（恰好一次），用于释放worker槽位等资源
type CloseHook func(info SessionInfo)

// RemoveHook 在会话记录经过宽限期从注册表移除时调用，用于归档
type RemoveHook func(info SessionInfo)

// Registry 会话注册表，持有所有Session/Worker记录的唯一可变状态
// 显式注入到各组件，不使用全局单例；并发安全粒度为单个sessionId
type Registry struct {
	sessions sync.Map // map[string]*Session
	active   atomic.Int32

	// closeGrace 关闭后保留记录的宽限期，吸收迟到的分类结果
	closeGrace time.Duration

	hookMu      sync.Mutex
	closeHooks  []CloseHook
	removeHooks []RemoveHook
}

// New 创建注册表，closeGrace为Closed记录的保留宽限期
func New(closeGrace time.Duration) *Registry {
	return &Registry{closeGrace: closeGrace}
}

// OnClose 注册关闭钩子（每个会话恰好触发一次）
func (r *Registry) OnClose(fn CloseHook) {
	r.hookMu.Lock()
	r.closeHooks = append(r.closeHooks, fn)
	r.hookMu.Unlock()
}

// OnRemove 注册移除钩子（宽限期结束、记录离开注册表时触发）
func (r *Registry) OnRemove(fn RemoveHook) {
	r.hookMu.Lock()
	r.removeHooks = append(r.removeHooks, fn)
	r.hookMu.Unlock()
}

// Create 创建新会话，初始状态为Connecting
func (r *Registry) Create(sessionID string) (*Session, error) {
	now := time.Now()
	session := &Session{
		id:            sessionID,
		createdAt:     now,
		state:         StateConnecting,
		lastHealthyAt: now,
	}

	if _, loaded := r.sessions.LoadOrStore(sessionID, session); loaded {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}

	r.active.Add(1)
	metrics.SessionsActive.Inc()
	return session, nil
}

// Get 查找会话
func (r *Registry) Get(sessionID string) (*Session, error) {
	value, ok := r.sessions.Load(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return value.(*Session), nil
}

// Transition 执行状态转移；非法转移返回错误而不是静默应用
// 同一会话的并发转移请求由会话锁串行化
// 目标为Closed时等同于Close：计数、关闭钩子、宽限期移除一个都不少
func (r *Registry) Transition(sessionID string, newState SessionState) error {
	if newState == StateClosed {
		return r.Close(sessionID)
	}

	session, err := r.Get(sessionID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if !CanTransition(session.state, newState) {
		return fmt.Errorf("%w: %s -> %s (session %s)",
			ErrInvalidTransition, session.state, newState, sessionID)
	}

	session.state = newState
	if newState == StateConnected {
		session.reconnectAttempt = 0
		session.lastHealthyAt = time.Now()
	}

	return nil
}

// AssignWorker 写入worker分配（write-once）
// 相同worker重复调用是no-op，不同worker返回错误
func (r *Registry) AssignWorker(sessionID string, workerID int) error {
	session, err := r.Get(sessionID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.workerAssigned {
		if session.workerID == workerID {
			return nil
		}
		return fmt.Errorf("%w: session %s has worker %d, requested %d",
			ErrAlreadyAssigned, sessionID, session.workerID, workerID)
	}

	session.workerID = workerID
	session.workerAssigned = true
	return nil
}

// Close 关闭会话：转入Closed终态，触发关闭钩子恰好一次，
// 并在宽限期后移除记录。重复调用与单次调用效果一致
func (r *Registry) Close(sessionID string) error {
	session, err := r.Get(sessionID)
	if err != nil {
		return err
	}

	session.mu.Lock()
	if session.state == StateClosed {
		session.mu.Unlock()
		return nil
	}
	session.state = StateClosed
	session.closedAt = time.Now()
	info := SessionInfo{
		ID:               session.id,
		State:            session.state,
		StateName:        session.state.String(),
		WorkerID:         session.workerID,
		WorkerAssigned:   session.workerAssigned,
		CreatedAt:        session.createdAt,
		LastHealthyAt:    session.lastHealthyAt,
		ReconnectAttempt: session.reconnectAttempt,
		ClosedAt:         session.closedAt,
		OverlaysEmitted:  session.overlaysEmitted,
	}
	session.mu.Unlock()

	r.active.Add(-1)
	metrics.SessionsActive.Dec()

	r.hookMu.Lock()
	hooks := append([]CloseHook(nil), r.closeHooks...)
	r.hookMu.Unlock()
	for _, hook := range hooks {
		hook(info)
	}

	// 宽限期后移除记录，让迟到的分类结果可以被安全丢弃而不是查无此会话
	time.AfterFunc(r.closeGrace, func() {
		r.remove(sessionID)
	})

	return nil
}

// remove 从注册表删除记录并触发移除钩子
func (r *Registry) remove(sessionID string) {
	value, loaded := r.sessions.LoadAndDelete(sessionID)
	if !loaded {
		return
	}
	info := value.(*Session).Info()

	r.hookMu.Lock()
	hooks := append([]RemoveHook(nil), r.removeHooks...)
	r.hookMu.Unlock()
	for _, hook := range hooks {
		hook(info)
	}
}

// ActiveCount 当前未关闭的会话数
func (r *Registry) ActiveCount() int {
	return int(r.active.Load())
}

// Snapshot 返回所有会话的快照（含宽限期内的Closed记录）
func (r *Registry) Snapshot() []SessionInfo {
	var infos []SessionInfo
	r.sessions.Range(func(_, value interface{}) bool {
		infos = append(infos, value.(*Session).Info())
		return true
	})
	return infos
}
