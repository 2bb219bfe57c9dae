// Package overlayclient overlay消费端SDK：自动重连、心跳、会话恢复
package overlayclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"EmotionFusionPipeline/internal/fusion"
	"EmotionFusionPipeline/internal/protocol"
)

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// OverlayHandler overlay推送处理器
type OverlayHandler func(payload *fusion.OverlayPayload)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string
	ClientVersion     string
	DeviceID          string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	ReconnectInterval time.Duration
	MaxReconnectTries int
	EnableCompression bool
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		ClientVersion:     "1.0.0",
		DeviceID:          "overlay-client",
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		ReadTimeout:       30 * time.Second,
		ReconnectInterval: 1 * time.Second,
		MaxReconnectTries: 10,
		EnableCompression: true,
	}
}

// Client overlay消费客户端，断线后携带session_id重拨以恢复会话
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	onOverlay     OverlayHandler
	onStateChange StateChangeHandler

	mu            sync.RWMutex
	writeMu       sync.Mutex // 专用于WebSocket写入同步
	stopChan      chan struct{}
	reconnectChan chan struct{}

	sessionMu sync.RWMutex
	sessionID string

	pingSeq    atomic.Int32
	reconnects atomic.Int32
}

// New 创建客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	client := &Client{
		config:        config,
		dialer:        &dialer,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}

	client.setState(StateDisconnected)
	return client
}

// SetOverlayHandler 设置overlay推送处理器
func (c *Client) SetOverlayHandler(handler OverlayHandler) {
	c.onOverlay = handler
}

// SetStateChangeHandler 设置状态变化处理器
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.onStateChange = handler
}

// SessionID 返回网关分配的会话ID
func (c *Client) SessionID() string {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.sessionID
}

// Reconnects 成功重连次数
func (c *Client) Reconnects() int {
	return int(c.reconnects.Load())
}

// Connect 连接到网关并完成握手
func (c *Client) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}

	if err := c.doConnect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)

	go c.heartbeatLoop()
	go c.readLoop()
	go c.reconnectLoop()

	return nil
}

// doConnect 拨号并执行hello/welcome握手
func (c *Client) doConnect(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer func() {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
	}()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return c.doHello()
}

// doHello 发送hello并等待welcome；携带已有session_id即为恢复
func (c *Client) doHello() error {
	hello := &protocol.ClientHello{
		SessionID:     c.SessionID(),
		ClientVersion: c.config.ClientVersion,
		DeviceID:      c.config.DeviceID,
	}
	if err := c.sendMessage(protocol.OpClientHello, hello); err != nil {
		return fmt.Errorf("send hello failed: %w", err)
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.New("connection is nil")
	}

	conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read welcome failed: %w", err)
	}

	opcode, body, err := protocol.DecodeFrame(raw)
	if err != nil {
		return fmt.Errorf("decode welcome frame failed: %w", err)
	}
	if opcode != protocol.OpServerWelcome {
		return fmt.Errorf("expected welcome, got %s", protocol.OpcodeToString(opcode))
	}

	welcome := &protocol.ServerWelcome{}
	if err := protocol.DecodeMessage(body, welcome); err != nil {
		return err
	}
	if !welcome.Ok {
		return fmt.Errorf("gateway refused session: %s", welcome.Reason)
	}

	c.sessionMu.Lock()
	c.sessionID = welcome.SessionID
	c.sessionMu.Unlock()

	log.Printf("Session established: session_id=%s worker=%d", welcome.SessionID, welcome.WorkerID)
	return nil
}

// Close 显式终止：发送bye帧后关闭连接
func (c *Client) Close() error {
	if !c.compareAndSwapState(StateConnected, StateClosed) &&
		!c.compareAndSwapState(StateReconnecting, StateClosed) &&
		!c.compareAndSwapState(StateDisconnected, StateClosed) {
		return nil // 已经关闭
	}

	c.sendMessage(protocol.OpClientBye, &struct{}{})
	close(c.stopChan)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// sendMessage 编码并发送一帧
func (c *Client) sendMessage(opcode uint16, message interface{}) error {
	frame, err := protocol.EncodeMessage(opcode, message)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.New("connection is nil")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// heartbeatLoop 心跳循环
func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if c.getState() != StateConnected {
				continue
			}
			heartbeat := &protocol.Heartbeat{
				ClientUnixMs: time.Now().UnixMilli(),
				PingSeq:      c.pingSeq.Add(1),
			}
			if err := c.sendMessage(protocol.OpHeartbeat, heartbeat); err != nil {
				log.Printf("Send heartbeat failed: %v", err)
				c.triggerReconnect()
			}
		}
	}
}

// readLoop 消息读取循环
func (c *Client) readLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		default:
			if c.getState() != StateConnected {
				time.Sleep(100 * time.Millisecond)
				continue
			}

			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				continue
			}

			conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if c.getState() == StateClosed {
					return
				}
				log.Printf("Read message failed: %v", err)
				c.triggerReconnect()
				continue
			}

			c.handleFrame(raw)
		}
	}
}

// handleFrame 处理收到的帧
func (c *Client) handleFrame(raw []byte) {
	opcode, body, err := protocol.DecodeFrame(raw)
	if err != nil {
		log.Printf("Decode frame failed: %v", err)
		return
	}

	switch opcode {
	case protocol.OpOverlayPush:
		payload := &fusion.OverlayPayload{}
		if err := protocol.DecodeMessage(body, payload); err != nil {
			log.Printf("Decode overlay failed: %v", err)
			return
		}
		if c.onOverlay != nil {
			c.onOverlay(payload)
		}
	case protocol.OpHeartbeatAck:
		// RTT信息暂不使用
	case protocol.OpReconnectHint:
		hint := &protocol.ReconnectHint{}
		if err := protocol.DecodeMessage(body, hint); err == nil {
			log.Printf("Gateway reconnect hint: attempt=%d delay=%dms", hint.Attempt, hint.DelayMs)
		}
	default:
		log.Printf("Unexpected opcode: %s", protocol.OpcodeToString(opcode))
	}
}

// reconnectLoop 重连循环
func (c *Client) reconnectLoop() {
	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
			c.doReconnect()
		}
	}
}

// triggerReconnect 触发重连
func (c *Client) triggerReconnect() {
	if c.compareAndSwapState(StateConnected, StateReconnecting) {
		select {
		case c.reconnectChan <- struct{}{}:
		default:
		}
	}
}

// doReconnect 指数退避重拨，成功后恢复既有会话
func (c *Client) doReconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.ReconnectInterval
	bo.MaxElapsedTime = time.Duration(c.config.MaxReconnectTries) * c.config.ReconnectInterval

	err := backoff.Retry(func() error {
		if c.getState() == StateClosed {
			return backoff.Permanent(errors.New("client closed"))
		}
		return c.doConnect(context.Background())
	}, bo)

	if err != nil {
		log.Printf("Reconnect failed: %v", err)
		c.compareAndSwapState(StateReconnecting, StateDisconnected)
		return
	}

	log.Printf("Reconnected successfully")
	c.compareAndSwapState(StateReconnecting, StateConnected)
	c.reconnects.Add(1)
}

func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
	return swapped
}
