package protocol

// 操作码定义 - 用于识别不同类型的消息
const (
	// 会话建立
	OpClientHello   uint16 = 1001
	OpServerWelcome uint16 = 1002
	OpClientBye     uint16 = 1003

	// 心跳相关
	OpHeartbeat    uint16 = 1100
	OpHeartbeatAck uint16 = 1101

	// overlay下发与重连提示
	OpOverlayPush   uint16 = 2001
	OpReconnectHint uint16 = 2002

	// 错误响应
	OpError uint16 = 9999
)

// OpcodeToString 将操作码转换为可读字符串，用于调试和日志
func OpcodeToString(op uint16) string {
	switch op {
	case OpClientHello:
		return "CLIENT_HELLO"
	case OpServerWelcome:
		return "SERVER_WELCOME"
	case OpClientBye:
		return "CLIENT_BYE"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpHeartbeatAck:
		return "HEARTBEAT_ACK"
	case OpOverlayPush:
		return "OVERLAY_PUSH"
	case OpReconnectHint:
		return "RECONNECT_HINT"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsValidOpcode 检查操作码是否有效
func IsValidOpcode(op uint16) bool {
	switch op {
	case OpClientHello, OpServerWelcome, OpClientBye,
		OpHeartbeat, OpHeartbeatAck,
		OpOverlayPush, OpReconnectHint,
		OpError:
		return true
	default:
		return false
	}
}
