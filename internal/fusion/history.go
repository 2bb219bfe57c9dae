package fusion

import (
	"sync"
	"time"
)

// historyDepth 平滑窗口：对最近3次结果取众数标签和平均置信度，抑制单帧抖动
const historyDepth = 3

// modalitySlot 单个(会话,模态)的融合槽位
// 显式的last-value-wins记录 + 固定大小的平滑环形缓冲
// 每个槽位持有独立互斥锁，submit与tick并发访问不会读到半写状态
type modalitySlot struct {
	mu     sync.Mutex
	latest *ClassificationResult

	labels [historyDepth]string
	confs  [historyDepth]float64
	next   int // 下一个写入位置
	count  int // 已写入条目数，上限historyDepth
}

// store 覆盖最新结果并推进平滑历史
func (s *modalitySlot) store(res *ClassificationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = res
	s.labels[s.next] = res.EmotionLabel
	s.confs[s.next] = res.Confidence
	s.next = (s.next + 1) % historyDepth
	if s.count < historyDepth {
		s.count++
	}
}

// smoothed 读取平滑后的值
// 最新结果的采集时间早于now-staleness时视为缺失（过期数据不进入overlay）
// 标签取历史众数，平票时偏向最近写入的标签；置信度取算术平均
func (s *modalitySlot) smoothed(now time.Time, staleness time.Duration) (label string, confidence float64, latest *ClassificationResult, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil || s.count == 0 {
		return "", 0, nil, false
	}
	if now.Sub(s.latest.Timestamp) > staleness {
		return "", 0, nil, false
	}

	counts := make(map[string]int, s.count)
	var sum float64
	for i := 0; i < s.count; i++ {
		counts[s.labels[i]]++
		sum += s.confs[i]
	}

	// 从最近一条往回扫，计数严格更大才替换，保证平票时最近的标签胜出
	best := ""
	bestCount := 0
	for i := 1; i <= s.count; i++ {
		idx := (s.next - i + historyDepth) % historyDepth
		if counts[s.labels[idx]] > bestCount {
			best = s.labels[idx]
			bestCount = counts[s.labels[idx]]
		}
	}

	return best, sum / float64(s.count), s.latest, true
}

// sessionFusion 单会话的全部融合状态，仅归融合引擎所有
type sessionFusion struct {
	facial modalitySlot
	audio  modalitySlot
}

func (f *sessionFusion) slot(m Modality) *modalitySlot {
	if m == ModalityFacial {
		return &f.facial
	}
	return &f.audio
}
