package test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EmotionFusionPipeline/internal/admission"
	"EmotionFusionPipeline/internal/fusion"
	"EmotionFusionPipeline/internal/gateway"
	"EmotionFusionPipeline/internal/lifecycle"
	"EmotionFusionPipeline/internal/overlayclient"
	"EmotionFusionPipeline/internal/protocol"
	"EmotionFusionPipeline/internal/registry"
)

// pipeline 端到端测试用的完整组装
type pipeline struct {
	registry    *registry.Registry
	pool        *admission.WorkerPool
	distributor *admission.Distributor
	lifecycle   *lifecycle.Manager
	engine      *fusion.Engine
	gateway     *gateway.Gateway
}

func newPipeline(t *testing.T, maxSessions int, workers int, capacity int32) *pipeline {
	t.Helper()

	reg := registry.New(5 * time.Second)
	pool := admission.NewWorkerPool(workers, capacity)
	admitter := admission.NewController(reg, pool, maxSessions)
	distributor := admission.NewDistributor(reg, pool)

	lm := lifecycle.NewManager(reg, &lifecycle.Config{
		HealthInterval:    500 * time.Millisecond,
		MaxMissed:         2,
		BackoffInitial:    50 * time.Millisecond,
		BackoffMax:        400 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})

	engine := fusion.NewEngine(reg, &fusion.Config{
		TickInterval:       20 * time.Millisecond,
		Staleness:          2 * time.Second,
		DominanceThreshold: 0.8,
	})

	gw := gateway.New(gateway.DefaultConfig("127.0.0.1:0"), reg, admitter, distributor, lm, engine)
	lm.SetTransport(gw)
	reg.OnClose(func(info registry.SessionInfo) {
		if info.WorkerAssigned {
			distributor.Release(info.WorkerID)
		}
	})

	require.NoError(t, gw.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gw.Shutdown(ctx)
		engine.Shutdown()
		lm.Shutdown()
	})

	return &pipeline{
		registry:    reg,
		pool:        pool,
		distributor: distributor,
		lifecycle:   lm,
		engine:      engine,
		gateway:     gw,
	}
}

func (p *pipeline) wsURL() string {
	return "ws://" + p.gateway.Addr() + "/ws"
}

func connectClient(t *testing.T, p *pipeline) *overlayclient.Client {
	t.Helper()

	cfg := overlayclient.DefaultClientConfig(p.wsURL())
	cfg.HeartbeatInterval = 100 * time.Millisecond
	client := overlayclient.New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	require.NotEmpty(t, client.SessionID())
	return client
}

func waitSessionState(t *testing.T, reg *registry.Registry, id string, want registry.SessionState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		session, err := reg.Get(id)
		require.NoError(t, err)
		if session.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("session %s never reached %s (now %s)", id, want, session.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestOverlayDelivery 完整链路：连接 -> 注入双模态结果 -> 客户端收到融合overlay
func TestOverlayDelivery(t *testing.T) {
	p := newPipeline(t, 10, 2, 5)

	received := make(chan *fusion.OverlayPayload, 64)
	cfg := overlayclient.DefaultClientConfig(p.wsURL())
	cfg.HeartbeatInterval = 100 * time.Millisecond
	client := overlayclient.New(cfg)
	client.SetOverlayHandler(func(payload *fusion.OverlayPayload) {
		select {
		case received <- payload:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	sessionID := client.SessionID()
	waitSessionState(t, p.registry, sessionID, registry.StateConnected)

	p.engine.Submit(&fusion.ClassificationResult{
		SessionID:    sessionID,
		Modality:     fusion.ModalityFacial,
		Timestamp:    time.Now(),
		EmotionLabel: fusion.EmotionHappy,
		Confidence:   0.85,
		Regions:      []fusion.Region{{X: 0.2, Y: 0.1, Width: 0.3, Height: 0.4}},
	})
	p.engine.Submit(&fusion.ClassificationResult{
		SessionID:     sessionID,
		Modality:      fusion.ModalityAudio,
		Timestamp:     time.Now(),
		EmotionLabel:  fusion.EmotionHappy,
		Confidence:    0.72,
		VoiceActivity: true,
	})

	select {
	case payload := <-received:
		assert.Equal(t, sessionID, payload.SessionID)
		require.Len(t, payload.FacialOverlays, 1)
		assert.Equal(t, fusion.EmotionHappy, payload.FacialOverlays[0].Label)
		assert.True(t, payload.FacialOverlays[0].Dominant)
		require.NotNil(t, payload.AudioOverlay)
		assert.True(t, payload.AudioOverlay.VoiceActivity)
		t.Logf("✅ overlay delivered: facial=%s audio=%s age=%dms",
			payload.FacialOverlays[0].Label, payload.AudioOverlay.Label, payload.AgeOfNewestInput)
	case <-time.After(3 * time.Second):
		t.Fatal("no overlay received")
	}
}

// TestAdmissionRejection 会话数打满后新连接被拒，携带拒绝原因
func TestAdmissionRejection(t *testing.T) {
	p := newPipeline(t, 1, 1, 5)

	first := connectClient(t, p)
	defer first.Close()

	cfg := overlayclient.DefaultClientConfig(p.wsURL())
	second := overlayclient.New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := second.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), admission.ReasonSessionLimit)
}

// TestWorkerCapacityRejection worker槽位打满后拒绝，释放后恢复准入
func TestWorkerCapacityRejection(t *testing.T) {
	p := newPipeline(t, 100, 1, 1)

	first := connectClient(t, p)

	cfg := overlayclient.DefaultClientConfig(p.wsURL())
	second := overlayclient.New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := second.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), admission.ReasonWorkersAtCapacity)

	// 第一个会话关闭后槽位释放
	require.NoError(t, first.Close())
	waitSessionState(t, p.registry, first.SessionID(), registry.StateClosed)

	deadline := time.After(3 * time.Second)
	for p.pool.TotalLoad() != 0 {
		select {
		case <-deadline:
			t.Fatalf("worker slot not released, load=%d", p.pool.TotalLoad())
		case <-time.After(10 * time.Millisecond):
		}
	}

	third := connectClient(t, p)
	defer third.Close()
}

// TestClientByeClosesSession 客户端bye帧驱动会话进入终态并释放worker
func TestClientByeClosesSession(t *testing.T) {
	p := newPipeline(t, 10, 2, 5)

	client := connectClient(t, p)
	sessionID := client.SessionID()
	waitSessionState(t, p.registry, sessionID, registry.StateConnected)
	assert.Equal(t, int32(1), p.pool.TotalLoad())

	require.NoError(t, client.Close())
	waitSessionState(t, p.registry, sessionID, registry.StateClosed)

	deadline := time.After(3 * time.Second)
	for p.pool.TotalLoad() != 0 {
		select {
		case <-deadline:
			t.Fatal("worker slot not released after bye")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// rawDial 用原生WebSocket发送hello并读取welcome（底层握手行为测试）
func rawDial(t *testing.T, url string, sessionID string) (*websocket.Conn, *protocol.ServerWelcome) {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	frame, err := protocol.EncodeMessage(protocol.OpClientHello, &protocol.ClientHello{
		SessionID:     sessionID,
		ClientVersion: "1.0.0",
		DeviceID:      "raw-test",
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	opcode, body, err := protocol.DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.OpServerWelcome, opcode)

	welcome := &protocol.ServerWelcome{}
	require.NoError(t, protocol.DecodeMessage(body, welcome))
	return conn, welcome
}

// TestSessionResumeAfterDrop 连接断开 -> 会话Disconnected ->
// 携带session_id重拨恢复同一会话和同一worker
func TestSessionResumeAfterDrop(t *testing.T) {
	p := newPipeline(t, 10, 2, 5)

	conn, welcome := rawDial(t, p.wsURL(), "")
	require.True(t, welcome.Ok)
	sessionID := welcome.SessionID
	firstWorker := welcome.WorkerID
	waitSessionState(t, p.registry, sessionID, registry.StateConnected)

	// 硬断开（不发bye）
	conn.Close()
	waitSessionState(t, p.registry, sessionID, registry.StateDisconnected)

	// 重拨恢复
	conn2, welcome2 := rawDial(t, p.wsURL(), sessionID)
	defer conn2.Close()
	require.True(t, welcome2.Ok)
	assert.Equal(t, sessionID, welcome2.SessionID)
	assert.Equal(t, firstWorker, welcome2.WorkerID)
	waitSessionState(t, p.registry, sessionID, registry.StateConnected)

	// worker槽位没有被重复计数
	assert.Equal(t, int32(1), p.pool.TotalLoad())
}

// TestResumeClosedSessionRefused 已关闭的会话不可恢复
func TestResumeClosedSessionRefused(t *testing.T) {
	p := newPipeline(t, 10, 2, 5)

	client := connectClient(t, p)
	sessionID := client.SessionID()
	require.NoError(t, client.Close())
	waitSessionState(t, p.registry, sessionID, registry.StateClosed)

	conn, _, err := websocket.DefaultDialer.Dial(p.wsURL(), nil)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := protocol.EncodeMessage(protocol.OpClientHello, &protocol.ClientHello{
		SessionID: sessionID, ClientVersion: "1.0.0", DeviceID: "raw-test",
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	_, body, err := protocol.DecodeFrame(raw)
	require.NoError(t, err)

	welcome := &protocol.ServerWelcome{}
	require.NoError(t, protocol.DecodeMessage(body, welcome))
	assert.False(t, welcome.Ok)
	assert.NotEmpty(t, welcome.Reason)
}

// TestHeartbeatAck 心跳得到带序号回显的ack
func TestHeartbeatAck(t *testing.T) {
	p := newPipeline(t, 10, 2, 5)

	conn, welcome := rawDial(t, p.wsURL(), "")
	require.True(t, welcome.Ok)
	defer conn.Close()

	frame, err := protocol.EncodeMessage(protocol.OpHeartbeat, &protocol.Heartbeat{
		ClientUnixMs: time.Now().UnixMilli(),
		PingSeq:      7,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	opcode, body, err := protocol.DecodeFrame(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.OpHeartbeatAck, opcode)

	ack := &protocol.HeartbeatAck{}
	require.NoError(t, protocol.DecodeMessage(body, ack))
	assert.Equal(t, int32(7), ack.PingSeq)
}

// TestConcurrentConnections 并发连接全部成功且负载分布在多worker上
func TestConcurrentConnections(t *testing.T) {
	p := newPipeline(t, 50, 4, 10)

	const clients = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	connected := 0
	conns := make([]*overlayclient.Client, 0, clients)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg := overlayclient.DefaultClientConfig(p.wsURL())
			cfg.HeartbeatInterval = 100 * time.Millisecond
			client := overlayclient.New(cfg)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Connect(ctx); err != nil {
				return
			}
			mu.Lock()
			connected++
			conns = append(conns, client)
			mu.Unlock()
		}()
	}
	wg.Wait()
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	assert.Equal(t, clients, connected)
	assert.Equal(t, int32(clients), p.pool.TotalLoad())

	busy := 0
	for _, worker := range p.pool.Workers() {
		if worker.Load() > 0 {
			busy++
		}
	}
	assert.Equal(t, 4, busy, "round-robin should spread load across all workers")
	t.Logf("✅ %d clients connected, load spread across %d workers", connected, busy)
}
