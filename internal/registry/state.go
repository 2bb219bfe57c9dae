package registry

// SessionState 会话生命周期状态
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateConnected
	StateDegraded
	StateDisconnected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDegraded:
		return "DEGRADED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// IsActive 判断会话是否仍占用资源（未进入终态）
func (s SessionState) IsActive() bool {
	return s != StateClosed
}

// CanEmit 判断该状态下是否允许向客户端发送overlay
func (s SessionState) CanEmit() bool {
	return s == StateConnected || s == StateDegraded
}

// validTransitions 状态转移表：每个(当前状态, 目标状态)要么唯一确定，要么被拒绝
var validTransitions = map[SessionState][]SessionState{
	StateConnecting:   {StateConnected, StateDisconnected, StateClosed},
	StateConnected:    {StateDegraded, StateDisconnected, StateClosed},
	StateDegraded:     {StateConnected, StateDisconnected, StateClosed},
	StateDisconnected: {StateConnecting, StateClosed},
	StateClosed:       {},
}

// CanTransition 检查状态转移是否合法
func CanTransition(from, to SessionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
