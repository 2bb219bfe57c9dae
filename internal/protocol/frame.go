package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// 帧头固定6字节: opcode占2字节, body长度占4字节
	FrameHeaderSize = 6
	// 单帧上限, 超出直接拒收; overlay帧远小于此值
	MaxFrameSize = 256 * 1024
	// 空body帧只剩帧头
	MinFrameSize = FrameHeaderSize
)

var (
	ErrFrameTooSmall = errors.New("frame too small")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidFrame  = errors.New("invalid frame format")
)

// EncodeFrame 打包一帧: 大端opcode、大端body长度、body原样拼接
func EncodeFrame(opcode uint16, body []byte) []byte {
	if body == nil {
		body = []byte{}
	}

	buf := make([]byte, FrameHeaderSize+len(body))
	binary.BigEndian.PutUint16(buf[0:2], opcode)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(body)))
	copy(buf[6:], body)
	return buf
}

// DecodeFrame 拆帧; 长度字段与实际字节数不一致时报ErrInvalidFrame
// body是拷贝出来的独立切片, 调用方可以安全持有
func DecodeFrame(raw []byte) (opcode uint16, body []byte, err error) {
	if len(raw) < MinFrameSize {
		return 0, nil, ErrFrameTooSmall
	}
	if len(raw) > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}

	opcode = binary.BigEndian.Uint16(raw[0:2])
	bodyLength := binary.BigEndian.Uint32(raw[2:6])

	if len(raw) != FrameHeaderSize+int(bodyLength) {
		return 0, nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidFrame, FrameHeaderSize+int(bodyLength), len(raw))
	}

	if bodyLength > 0 {
		body = make([]byte, bodyLength)
		copy(body, raw[6:])
	}
	return opcode, body, nil
}

// EncodeMessage 序列化消息体并打包成帧
func EncodeMessage(opcode uint16, message interface{}) ([]byte, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal message failed: %w", err)
	}
	return EncodeFrame(opcode, body), nil
}

// DecodeMessage 从帧消息体反序列化到目标结构
func DecodeMessage(body []byte, message interface{}) error {
	if err := json.Unmarshal(body, message); err != nil {
		return fmt.Errorf("unmarshal message failed: %w", err)
	}
	return nil
}
