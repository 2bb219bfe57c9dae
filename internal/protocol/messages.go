package protocol

// ClientHello 客户端首帧
// SessionID非空表示断线重连后恢复既有会话
type ClientHello struct {
	SessionID     string `json:"session_id,omitempty"`
	ClientVersion string `json:"client_version"`
	DeviceID      string `json:"device_id"`
}

// ServerWelcome 握手应答；Ok为false时Reason携带准入拒绝原因
type ServerWelcome struct {
	Ok           bool   `json:"ok"`
	SessionID    string `json:"session_id,omitempty"`
	WorkerID     int    `json:"worker_id"`
	ServerTimeMs int64  `json:"server_time_ms"`
	Reason       string `json:"reason,omitempty"`
}

// Heartbeat 客户端心跳
type Heartbeat struct {
	ClientUnixMs int64 `json:"client_unix_ms"`
	PingSeq      int32 `json:"ping_seq"`
}

// HeartbeatAck 心跳应答
type HeartbeatAck struct {
	ServerUnixMs int64 `json:"server_unix_ms"`
	PingSeq      int32 `json:"ping_seq"`
	RttMs        int32 `json:"rtt_ms"`
}

// ReconnectHint 服务端向客户端通告重连节奏
type ReconnectHint struct {
	Attempt int   `json:"attempt"`
	DelayMs int64 `json:"delay_ms"`
}

// ErrorMessage 错误帧
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
