// Package dispatch 把融合产出的overlay交给传输层下发
//
// 无缓冲、无重试：payload是瞬态的，下一个tick会产出更新鲜的一份
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"EmotionFusionPipeline/internal/fusion"
	"EmotionFusionPipeline/internal/metrics"
	"EmotionFusionPipeline/internal/registry"
)

// ErrSuppressed 会话状态不允许下发（非Connected/Degraded）
var ErrSuppressed = errors.New("overlay suppressed: session not deliverable")

// Sender 传输层协作方的发送原语
type Sender interface {
	Send(ctx context.Context, sessionID string, payload *fusion.OverlayPayload) error
}

// Dispatcher overlay分发器
type Dispatcher struct {
	registry *registry.Registry
	sender   Sender

	// timeout 发送超时，受tick周期约束：慢客户端不能拖住融合引擎
	timeout time.Duration
}

// New 创建分发器，timeout应不大于融合tick周期
func New(reg *registry.Registry, sender Sender, timeout time.Duration) *Dispatcher {
	return &Dispatcher{registry: reg, sender: sender, timeout: timeout}
}

// Dispatch 下发一个payload
// 发送前紧贴注册表状态做最终检查，避免写入已拆除的传输通道
func (d *Dispatcher) Dispatch(payload *fusion.OverlayPayload) error {
	session, err := d.registry.Get(payload.SessionID)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if !session.State().CanEmit() {
		return ErrSuppressed
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	start := time.Now()
	if err := d.sender.Send(ctx, payload.SessionID, payload); err != nil {
		return fmt.Errorf("dispatch session %s: %w", payload.SessionID, err)
	}

	metrics.DispatchLatency.Observe(time.Since(start).Seconds())
	metrics.OverlaysEmittedTotal.Inc()
	session.CountOverlay()
	return nil
}
