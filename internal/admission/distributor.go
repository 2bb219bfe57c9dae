package admission

import (
	"fmt"
	"sync/atomic"

	"EmotionFusionPipeline/internal/metrics"
	"EmotionFusionPipeline/internal/registry"
)

// Distributor 负载分配器：轮询选择未满载的worker并完成原子分配
// 槽位抢占（TryAcquire）与注册表写入合并为一次分配操作，
// 并发突发准入不可能让同一槽位被计入两次
type Distributor struct {
	registry *registry.Registry
	pool     *WorkerPool
	next     atomic.Uint64
}

// NewDistributor 创建分配器
func NewDistributor(reg *registry.Registry, pool *WorkerPool) *Distributor {
	return &Distributor{registry: reg, pool: pool}
}

// Assign 为已准入的会话分配worker
// 从轮询游标开始依次尝试，跳过满载worker；全部满载时返回RejectionError
func (d *Distributor) Assign(sessionID string) (int, error) {
	n := d.pool.Size()
	if n == 0 {
		return 0, &RejectionError{Reason: ReasonWorkersAtCapacity}
	}

	start := int(d.next.Add(1)-1) % n
	for i := 0; i < n; i++ {
		worker := d.pool.Get((start + i) % n)
		if !worker.TryAcquire() {
			continue
		}

		if err := d.registry.AssignWorker(sessionID, worker.ID); err != nil {
			// 注册表写入失败（会话消失或已有别的worker），槽位退还
			worker.Release()
			return 0, fmt.Errorf("assign worker %d: %w", worker.ID, err)
		}

		metrics.AdmissionsTotal.Inc()
		return worker.ID, nil
	}

	return 0, &RejectionError{Reason: ReasonWorkersAtCapacity}
}

// Release 会话关闭时归还worker槽位
// 调用方保证每个会话只触发一次（注册表的关闭钩子恰好执行一次）
func (d *Distributor) Release(workerID int) {
	if worker := d.pool.Get(workerID); worker != nil {
		worker.Release()
	}
}
