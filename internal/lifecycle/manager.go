// Package lifecycle 驱动每个会话的连接状态机
//
// 外部传输层的通知（握手、心跳、硬故障、客户端关闭）通过channel
// 投递到会话专属的事件循环，循环只在周期之间挂起：
//
//	Connecting -> Connected            首次握手成功
//	Connected  -> Degraded             一次健康检查未通过
//	Degraded   -> Connected            下一次健康检查通过
//	Degraded   -> Disconnected         连续未通过达到阈值（默认2次）或硬故障
//	Disconnected -> Connecting         指数退避后自动发起重连(1s/2s/4s/8s封顶)
//	任意状态   -> Closed               客户端显式终止，终态
package lifecycle

import (
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"EmotionFusionPipeline/internal/metrics"
	"EmotionFusionPipeline/internal/registry"
)

// Transport 传输层协作方需要实现的回调：向客户端发起重连请求
type Transport interface {
	RequestReconnect(sessionID string, attempt int, delay time.Duration)
}

// Config 生命周期管理配置
type Config struct {
	HealthInterval    time.Duration // 健康检查周期
	MaxMissed         int           // 连续未通过多少次后判定断连
	BackoffInitial    time.Duration // 重连退避起始延迟
	BackoffMax        time.Duration // 重连退避延迟上限
	BackoffMultiplier float64
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		HealthInterval:    5 * time.Second,
		MaxMissed:         2,
		BackoffInitial:    1 * time.Second,
		BackoffMax:        8 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// newReconnectBackoff 构造确定性的指数退避序列：1s, 2s, 4s, 8s, 8s...
func newReconnectBackoff(cfg *Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffInitial
	b.RandomizationFactor = 0
	b.Multiplier = cfg.BackoffMultiplier
	b.MaxInterval = cfg.BackoffMax
	b.MaxElapsedTime = 0 // 客户端持续尝试期间不设重试上限
	b.Reset()
	return b
}

type eventKind int

const (
	evHandshake eventKind = iota
	evHeartbeat
	evHardFailure
	evClientClose
)

type event struct {
	kind eventKind
	ok   bool
}

type sessionLoop struct {
	id     string
	events chan event
	stop   chan struct{}
}

// Manager 连接生命周期管理器
// 每个被跟踪的会话运行一个独立的轻量事件循环，循环在每个周期开头
// 检查注册表状态，会话进入Closed后在一个周期内退出
type Manager struct {
	registry  *registry.Registry
	transport Transport
	cfg       *Config

	loops sync.Map // map[string]*sessionLoop
	wg    sync.WaitGroup
}

// NewManager 创建生命周期管理器
func NewManager(reg *registry.Registry, cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Manager{registry: reg, cfg: cfg}
}

// SetTransport 注入传输层协作方（网关在构造后回填，打破构造环）
func (m *Manager) SetTransport(t Transport) {
	m.transport = t
}

// Track 开始跟踪一个会话，启动其事件循环
func (m *Manager) Track(sessionID string) {
	loop := &sessionLoop{
		id:     sessionID,
		events: make(chan event, 16),
		stop:   make(chan struct{}),
	}
	if _, loaded := m.loops.LoadOrStore(sessionID, loop); loaded {
		return
	}

	m.wg.Add(1)
	go m.run(loop)
}

// OnHandshake 传输层报告握手成功
func (m *Manager) OnHandshake(sessionID string) {
	m.send(sessionID, event{kind: evHandshake})
}

// OnHeartbeat 传输层报告一次心跳结果
func (m *Manager) OnHeartbeat(sessionID string, ok bool) {
	m.send(sessionID, event{kind: evHeartbeat, ok: ok})
}

// OnHardFailure 传输层报告不可恢复的连接故障
func (m *Manager) OnHardFailure(sessionID string) {
	m.send(sessionID, event{kind: evHardFailure})
}

// OnClientClose 客户端显式终止会话
// 关闭直接作用于注册表（立即生效），事件仅用于唤醒循环尽快退出
func (m *Manager) OnClientClose(sessionID string) {
	if err := m.registry.Close(sessionID); err != nil {
		log.Printf("Close session %s failed: %v", sessionID, err)
	}
	m.send(sessionID, event{kind: evClientClose})
}

// Shutdown 停止所有会话循环并等待退出
func (m *Manager) Shutdown() {
	m.loops.Range(func(_, value interface{}) bool {
		loop := value.(*sessionLoop)
		select {
		case <-loop.stop:
		default:
			close(loop.stop)
		}
		return true
	})
	m.wg.Wait()
}

// send 非阻塞投递事件；循环不存在或队列已满时丢弃
func (m *Manager) send(sessionID string, ev event) {
	value, ok := m.loops.Load(sessionID)
	if !ok {
		return
	}
	loop := value.(*sessionLoop)
	select {
	case loop.events <- ev:
	default:
		log.Printf("Session %s event queue full, dropping event %d", sessionID, ev.kind)
	}
}

// run 会话事件循环
func (m *Manager) run(loop *sessionLoop) {
	defer m.wg.Done()
	defer m.loops.Delete(loop.id)

	session, err := m.registry.Get(loop.id)
	if err != nil {
		log.Printf("Track unknown session %s: %v", loop.id, err)
		return
	}

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	bo := newReconnectBackoff(m.cfg)
	missed := 0
	heartbeatSeen := false

	// 重连定时器：进入Disconnected后按退避延迟触发一次
	var reconnectC <-chan time.Time
	var reconnectTimer *time.Timer
	var pendingAttempt int
	var pendingDelay time.Duration
	defer func() {
		if reconnectTimer != nil {
			reconnectTimer.Stop()
		}
	}()

	scheduleReconnect := func() {
		pendingDelay = bo.NextBackOff()
		pendingAttempt = session.IncReconnectAttempt()
		reconnectTimer = time.NewTimer(pendingDelay)
		reconnectC = reconnectTimer.C
		missed = 0
	}

	// recordMiss 一次健康检查未通过
	recordMiss := func() {
		missed++
		switch session.State() {
		case registry.StateConnected:
			m.transition(loop.id, registry.StateDegraded)
		case registry.StateDegraded:
			if missed >= m.cfg.MaxMissed {
				m.transition(loop.id, registry.StateDisconnected)
				scheduleReconnect()
			}
		}
	}

	for {
		select {
		case <-loop.stop:
			return

		case ev := <-loop.events:
			switch ev.kind {
			case evHandshake:
				switch session.State() {
				case registry.StateConnecting:
					m.transition(loop.id, registry.StateConnected)
				case registry.StateDisconnected:
					// 客户端在我们发起请求前就重拨了，补齐Connecting一跳
					m.transition(loop.id, registry.StateConnecting)
					m.transition(loop.id, registry.StateConnected)
					if reconnectTimer != nil {
						reconnectTimer.Stop()
						reconnectC = nil
					}
				default:
					// 已连接状态下的重复握手，忽略
					continue
				}
				bo.Reset()
				missed = 0
				heartbeatSeen = true
				session.MarkHealthy(time.Now())

			case evHeartbeat:
				if ev.ok {
					heartbeatSeen = true
					missed = 0
					session.MarkHealthy(time.Now())
					if session.State() == registry.StateDegraded {
						m.transition(loop.id, registry.StateConnected)
					}
				} else {
					recordMiss()
				}

			case evHardFailure:
				switch session.State() {
				case registry.StateConnecting, registry.StateConnected, registry.StateDegraded:
					m.transition(loop.id, registry.StateDisconnected)
					scheduleReconnect()
				}

			case evClientClose:
				return
			}

		case <-ticker.C:
			state := session.State()
			if state == registry.StateClosed {
				return
			}

			switch state {
			case registry.StateConnected, registry.StateDegraded:
				if heartbeatSeen {
					missed = 0
					if state == registry.StateDegraded {
						m.transition(loop.id, registry.StateConnected)
					}
				} else {
					recordMiss()
				}
				heartbeatSeen = false

			case registry.StateConnecting:
				if reconnectC == nil {
					// 重连请求已发出但整个周期没等到握手，回到断连重新退避
					m.transition(loop.id, registry.StateDisconnected)
					scheduleReconnect()
				}
			}

		case <-reconnectC:
			reconnectC = nil
			if session.State() != registry.StateDisconnected {
				continue
			}
			m.transition(loop.id, registry.StateConnecting)
			metrics.ReconnectAttemptsTotal.Inc()
			if m.transport != nil {
				m.transport.RequestReconnect(loop.id, pendingAttempt, pendingDelay)
			}
		}
	}
}

// transition 执行状态转移并记录失败
func (m *Manager) transition(sessionID string, state registry.SessionState) {
	if err := m.registry.Transition(sessionID, state); err != nil {
		log.Printf("Transition session %s -> %s failed: %v", sessionID, state, err)
	}
}
