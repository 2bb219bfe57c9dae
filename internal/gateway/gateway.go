// Package gateway WebSocket接入层：一条ws连接对应一个会话
//
// 接入流程: upgrade -> 准入检查 -> 创建会话 -> 分配worker ->
// 启动生命周期循环与融合tick循环 -> 回发welcome
// 断线后客户端携带session_id重新hello即可恢复Disconnected中的会话
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"EmotionFusionPipeline/internal/admission"
	"EmotionFusionPipeline/internal/dispatch"
	"EmotionFusionPipeline/internal/fusion"
	"EmotionFusionPipeline/internal/lifecycle"
	"EmotionFusionPipeline/internal/protocol"
	"EmotionFusionPipeline/internal/registry"
)

// Config 网关配置
type Config struct {
	Addr              string
	Path              string
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration // 单次读取的最长等待（心跳周期的数倍）
	SendTimeout       time.Duration // overlay下发超时，受融合tick周期约束
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
}

// DefaultConfig 返回默认配置
func DefaultConfig(addr string) *Config {
	return &Config{
		Addr:              addr,
		Path:              "/ws",
		HandshakeTimeout:  10 * time.Second,
		ReadTimeout:       60 * time.Second,
		SendTimeout:       100 * time.Millisecond,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: true,
	}
}

// clientConn 一条活动的WebSocket连接
type clientConn struct {
	sessionID string
	conn      *websocket.Conn

	mu        sync.Mutex // 专用于WebSocket写入同步
	stopChan  chan struct{}
	closeOnce sync.Once
}

func (c *clientConn) safeClose() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
	})
}

// Gateway WebSocket网关
// 同时实现dispatch.Sender（overlay出站）和lifecycle.Transport（重连请求）
type Gateway struct {
	cfg         *Config
	registry    *registry.Registry
	admitter    *admission.Controller
	distributor *admission.Distributor
	lifecycle   *lifecycle.Manager
	engine      *fusion.Engine
	dispatcher  *dispatch.Dispatcher

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	conns     sync.Map // map[string]*clientConn
	connWg    sync.WaitGroup
	isRunning atomic.Bool
}

// New 创建网关
func New(cfg *Config, reg *registry.Registry, admitter *admission.Controller,
	distributor *admission.Distributor, lm *lifecycle.Manager, engine *fusion.Engine) *Gateway {
	if cfg == nil {
		cfg = DefaultConfig(":8080")
	}

	gw := &Gateway{
		cfg:         cfg,
		registry:    reg,
		admitter:    admitter,
		distributor: distributor,
		lifecycle:   lm,
		engine:      engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    cfg.ReadBufferSize,
			WriteBufferSize:   cfg.WriteBufferSize,
			EnableCompression: cfg.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	gw.dispatcher = dispatch.New(reg, gw, cfg.SendTimeout)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, gw.handleWebSocket)
	gw.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	return gw
}

// Dispatcher 返回网关内部的overlay分发器（融合tick循环的sink）
func (g *Gateway) Dispatcher() *dispatch.Dispatcher {
	return g.dispatcher
}

// Start 启动网关
func (g *Gateway) Start() error {
	if !g.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("gateway is already running")
	}

	listener, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s failed: %w", g.cfg.Addr, err)
	}
	g.listener = listener

	log.Printf("Gateway listening on %s", listener.Addr())

	go func() {
		if err := g.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("Gateway server error: %v", err)
		}
	}()

	return nil
}

// Addr 返回实际监听地址（Addr配置为:0时由系统分配）
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return g.cfg.Addr
	}
	return g.listener.Addr().String()
}

// Shutdown 关闭网关：关闭所有会话与连接，等待处理goroutine退出
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	log.Printf("Shutting down gateway...")

	g.conns.Range(func(_, value interface{}) bool {
		c := value.(*clientConn)
		if err := g.registry.Close(c.sessionID); err != nil {
			log.Printf("Close session %s failed: %v", c.sessionID, err)
		}
		g.closeConn(c, "server shutdown")
		return true
	})

	g.connWg.Wait()
	return g.server.Shutdown(ctx)
}

// Send 实现dispatch.Sender：把overlay帧写给会话的客户端
func (g *Gateway) Send(ctx context.Context, sessionID string, payload *fusion.OverlayPayload) error {
	value, ok := g.conns.Load(sessionID)
	if !ok {
		return fmt.Errorf("session %s has no attached connection", sessionID)
	}
	c := value.(*clientConn)

	frame, err := protocol.EncodeMessage(protocol.OpOverlayPush, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(g.cfg.SendTimeout)
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// RequestReconnect 实现lifecycle.Transport：把重连节奏通告给客户端
// 连接已经不在时无事可做，客户端会按自己的退避重拨
func (g *Gateway) RequestReconnect(sessionID string, attempt int, delay time.Duration) {
	value, ok := g.conns.Load(sessionID)
	if !ok {
		log.Printf("Reconnect requested for %s (attempt %d, delay %s): no connection, waiting for redial",
			sessionID, attempt, delay)
		return
	}
	c := value.(*clientConn)

	hint := &protocol.ReconnectHint{Attempt: attempt, DelayMs: delay.Milliseconds()}
	if err := g.writeMessage(c, protocol.OpReconnectHint, hint); err != nil {
		log.Printf("Send reconnect hint to %s failed: %v", sessionID, err)
	}
}

// handleWebSocket 处理新到的WebSocket连接
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	g.connWg.Add(1)
	go func() {
		defer g.connWg.Done()
		g.handleConnection(wsConn, r.RemoteAddr)
	}()
}

// handleConnection 处理单条连接的握手与读循环
func (g *Gateway) handleConnection(wsConn *websocket.Conn, remote string) {
	hello, err := g.readHello(wsConn)
	if err != nil {
		log.Printf("Handshake with %s failed: %v", remote, err)
		wsConn.Close()
		return
	}

	var sessionID string
	var workerID int
	if hello.SessionID != "" {
		sessionID, workerID, err = g.resumeSession(hello.SessionID)
	} else {
		sessionID, workerID, err = g.createSession()
	}
	if err != nil {
		g.refuse(wsConn, err)
		wsConn.Close()
		return
	}

	c := &clientConn{
		sessionID: sessionID,
		conn:      wsConn,
		stopChan:  make(chan struct{}),
	}
	g.conns.Store(sessionID, c)

	welcome := &protocol.ServerWelcome{
		Ok:           true,
		SessionID:    sessionID,
		WorkerID:     workerID,
		ServerTimeMs: time.Now().UnixMilli(),
	}
	if err := g.writeMessage(c, protocol.OpServerWelcome, welcome); err != nil {
		log.Printf("Send welcome to %s failed: %v", sessionID, err)
		g.detach(c)
		wsConn.Close()
		return
	}

	log.Printf("Session %s attached from %s (worker %d)", sessionID, remote, workerID)
	g.lifecycle.OnHandshake(sessionID)

	g.readLoop(c)
}

// readHello 读取并解析首帧
func (g *Gateway) readHello(wsConn *websocket.Conn) (*protocol.ClientHello, error) {
	wsConn.SetReadLimit(protocol.MaxFrameSize)
	wsConn.SetReadDeadline(time.Now().Add(g.cfg.HandshakeTimeout))

	messageType, raw, err := wsConn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read hello failed: %w", err)
	}
	if messageType != websocket.BinaryMessage {
		return nil, errors.New("expected binary hello frame")
	}

	opcode, body, err := protocol.DecodeFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("decode hello frame failed: %w", err)
	}
	if opcode != protocol.OpClientHello {
		return nil, fmt.Errorf("expected hello, got %s", protocol.OpcodeToString(opcode))
	}

	hello := &protocol.ClientHello{}
	if err := protocol.DecodeMessage(body, hello); err != nil {
		return nil, err
	}
	return hello, nil
}

// createSession 新会话：准入 -> 创建 -> 分配worker -> 启动会话循环
func (g *Gateway) createSession() (string, int, error) {
	if err := g.admitter.TryAdmit(); err != nil {
		return "", 0, err
	}

	sessionID := uuid.NewString()
	if _, err := g.registry.Create(sessionID); err != nil {
		return "", 0, err
	}

	workerID, err := g.distributor.Assign(sessionID)
	if err != nil {
		g.registry.Close(sessionID)
		return "", 0, err
	}

	g.lifecycle.Track(sessionID)
	g.engine.StartTicking(sessionID, g.dispatcher)
	return sessionID, workerID, nil
}

// resumeSession 断线重连恢复：仅允许尚未关闭的既有会话
func (g *Gateway) resumeSession(sessionID string) (string, int, error) {
	session, err := g.registry.Get(sessionID)
	if err != nil {
		return "", 0, err
	}

	switch session.State() {
	case registry.StateDisconnected, registry.StateConnecting:
		workerID, _ := session.WorkerID()
		return sessionID, workerID, nil
	case registry.StateClosed:
		return "", 0, fmt.Errorf("session %s already closed", sessionID)
	default:
		return "", 0, fmt.Errorf("session %s already attached", sessionID)
	}
}

// refuse 回发拒绝应答
func (g *Gateway) refuse(wsConn *websocket.Conn, cause error) {
	reason := cause.Error()
	var rejection *admission.RejectionError
	if errors.As(cause, &rejection) {
		reason = rejection.Reason
	}

	frame, err := protocol.EncodeMessage(protocol.OpServerWelcome, &protocol.ServerWelcome{
		Ok:     false,
		Reason: reason,
	})
	if err != nil {
		return
	}
	wsConn.SetWriteDeadline(time.Now().Add(time.Second))
	wsConn.WriteMessage(websocket.BinaryMessage, frame)
}

// readLoop 连接读循环：心跳与客户端关闭
func (g *Gateway) readLoop(c *clientConn) {
	defer g.detach(c)

	for {
		select {
		case <-c.stopChan:
			return
		default:
			c.conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))

			messageType, raw, err := c.conn.ReadMessage()
			if err != nil {
				// 会话未关闭时读失败视为传输硬故障，驱动断连与重连退避
				session, gerr := g.registry.Get(c.sessionID)
				if gerr == nil && session.State() != registry.StateClosed {
					g.lifecycle.OnHardFailure(c.sessionID)
				}
				return
			}
			if messageType != websocket.BinaryMessage {
				continue
			}

			opcode, body, err := protocol.DecodeFrame(raw)
			if err != nil {
				log.Printf("Decode frame from %s failed: %v", c.sessionID, err)
				continue
			}

			switch opcode {
			case protocol.OpHeartbeat:
				g.handleHeartbeat(c, body)
			case protocol.OpClientBye:
				g.lifecycle.OnClientClose(c.sessionID)
				return
			default:
				log.Printf("Unexpected opcode from %s: %s", c.sessionID, protocol.OpcodeToString(opcode))
			}
		}
	}
}

// handleHeartbeat 心跳帧：喂给生命周期管理器并回ack
func (g *Gateway) handleHeartbeat(c *clientConn, body []byte) {
	heartbeat := &protocol.Heartbeat{}
	if err := protocol.DecodeMessage(body, heartbeat); err != nil {
		log.Printf("Decode heartbeat from %s failed: %v", c.sessionID, err)
		return
	}

	g.lifecycle.OnHeartbeat(c.sessionID, true)

	now := time.Now()
	ack := &protocol.HeartbeatAck{
		ServerUnixMs: now.UnixMilli(),
		PingSeq:      heartbeat.PingSeq,
		RttMs:        int32(now.UnixMilli() - heartbeat.ClientUnixMs),
	}
	if err := g.writeMessage(c, protocol.OpHeartbeatAck, ack); err != nil {
		log.Printf("Send heartbeat ack to %s failed: %v", c.sessionID, err)
	}
}

// writeMessage 编码并写出一帧（持写锁）
func (g *Gateway) writeMessage(c *clientConn, opcode uint16, message interface{}) error {
	frame, err := protocol.EncodeMessage(opcode, message)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// detach 解除连接与会话的绑定；同一会话重连后的新连接不受影响
func (g *Gateway) detach(c *clientConn) {
	if value, ok := g.conns.Load(c.sessionID); ok && value.(*clientConn) == c {
		g.conns.Delete(c.sessionID)
	}
	c.safeClose()
	c.conn.Close()
}

// closeConn 以关闭帧结束连接
func (g *Gateway) closeConn(c *clientConn, reason string) {
	c.mu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	g.detach(c)
}
