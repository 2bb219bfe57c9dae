package admission

import (
	"errors"
	"fmt"

	"EmotionFusionPipeline/internal/metrics"
	"EmotionFusionPipeline/internal/registry"
)

// ErrRejected 准入被拒绝的哨兵错误，errors.Is可识别
var ErrRejected = errors.New("admission rejected")

const (
	ReasonSessionLimit      = "session_limit"
	ReasonWorkersAtCapacity = "workers_at_capacity"
)

// RejectionError 携带拒绝原因的准入错误
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("admission rejected: %s", e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return ErrRejected
}

// Controller 准入控制器：基于注册表当前状态的快速两段闸门
// 不预留槽位（预留发生在Distributor的原子分配中），只拦截必然失败的创建请求
type Controller struct {
	registry    *registry.Registry
	pool        *WorkerPool
	maxSessions int
}

// NewController 创建准入控制器
func NewController(reg *registry.Registry, pool *WorkerPool, maxSessions int) *Controller {
	return &Controller{
		registry:    reg,
		pool:        pool,
		maxSessions: maxSessions,
	}
}

// TryAdmit 判定是否允许创建新会话
// 返回nil表示Allowed；*RejectionError表示Rejected及原因
func (c *Controller) TryAdmit() error {
	if c.registry.ActiveCount() >= c.maxSessions {
		metrics.AdmissionRejectedTotal.WithLabelValues(ReasonSessionLimit).Inc()
		return &RejectionError{Reason: ReasonSessionLimit}
	}

	if !c.pool.HasFreeSlot() {
		metrics.AdmissionRejectedTotal.WithLabelValues(ReasonWorkersAtCapacity).Inc()
		return &RejectionError{Reason: ReasonWorkersAtCapacity}
	}

	return nil
}
