package admission

import (
	"math"
	"strconv"
	"sync/atomic"

	"EmotionFusionPipeline/internal/metrics"
)

// Worker 一个处理槽位，可承载有限数量的并发会话
type Worker struct {
	ID       int
	Capacity int32

	load    atomic.Int32
	cpuHint atomic.Uint64 // math.Float64bits编码，来自环境的建议性负载信号
}

// Load 当前承载的会话数
func (w *Worker) Load() int32 {
	return w.load.Load()
}

// HasFreeSlot 是否还有空余槽位
func (w *Worker) HasFreeSlot() bool {
	return w.load.Load() < w.Capacity
}

// TryAcquire 原子抢占一个槽位，满载时返回false
// CAS循环保证并发准入不会超卖：load<=capacity恒成立
func (w *Worker) TryAcquire() bool {
	for {
		current := w.load.Load()
		if current >= w.Capacity {
			return false
		}
		if w.load.CompareAndSwap(current, current+1) {
			metrics.WorkerLoad.WithLabelValues(strconv.Itoa(w.ID)).Set(float64(current + 1))
			return true
		}
	}
}

// Release 释放一个槽位
func (w *Worker) Release() {
	for {
		current := w.load.Load()
		if current <= 0 {
			return
		}
		if w.load.CompareAndSwap(current, current-1) {
			metrics.WorkerLoad.WithLabelValues(strconv.Itoa(w.ID)).Set(float64(current - 1))
			return
		}
	}
}

// SetCPUHint 更新建议性CPU负载信号（仅用于统计展示，不参与分配决策）
func (w *Worker) SetCPUHint(hint float64) {
	w.cpuHint.Store(math.Float64bits(hint))
}

// CPUHint 读取建议性CPU负载信号
func (w *Worker) CPUHint() float64 {
	return math.Float64frombits(w.cpuHint.Load())
}

// WorkerPool 固定大小的worker表，workerId从0开始连续编号
type WorkerPool struct {
	workers []*Worker
}

// NewWorkerPool 创建n个容量相同的worker
func NewWorkerPool(n int, capacity int32) *WorkerPool {
	workers := make([]*Worker, n)
	for i := range workers {
		workers[i] = &Worker{ID: i, Capacity: capacity}
	}
	return &WorkerPool{workers: workers}
}

// Size worker数量
func (p *WorkerPool) Size() int {
	return len(p.workers)
}

// Get 按ID取worker，越界返回nil
func (p *WorkerPool) Get(id int) *Worker {
	if id < 0 || id >= len(p.workers) {
		return nil
	}
	return p.workers[id]
}

// Workers 返回全部worker（切片本身只读）
func (p *WorkerPool) Workers() []*Worker {
	return p.workers
}

// HasFreeSlot 是否存在未满载的worker
func (p *WorkerPool) HasFreeSlot() bool {
	for _, w := range p.workers {
		if w.HasFreeSlot() {
			return true
		}
	}
	return false
}

// TotalLoad 所有worker的当前负载之和
func (p *WorkerPool) TotalLoad() int32 {
	var total int32
	for _, w := range p.workers {
		total += w.Load()
	}
	return total
}
