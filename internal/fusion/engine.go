// Package fusion 把两路异步到达的情绪分类流合成单一的overlay信号
//
// 算法（每个tick，默认100ms一次）:
//  1. submit按(会话,模态)做last-value-wins写入，不排队、不阻塞
//  2. 对最近3次结果平滑：标签取众数，置信度取均值
//  3. 两个模态都在场且面部置信度超过阈值(默认0.8)时面部标记为主导、
//     满不透明度；否则两个元素按各自置信度占比加权呈现
//  4. 任一模态最新数据超过staleness(默认2s)即视为缺失
//  5. 双模态均缺失时tick产出Empty——优雅降级路径，不是错误
package fusion

import (
	"log"
	"sync"
	"time"

	"EmotionFusionPipeline/internal/metrics"
	"EmotionFusionPipeline/internal/registry"
)

// Sink 接收tick产出的overlay（由Dispatcher实现）
type Sink interface {
	Dispatch(payload *OverlayPayload) error
}

// Config 融合引擎配置
type Config struct {
	TickInterval       time.Duration // 发射节拍
	Staleness          time.Duration // 分类结果过期阈值
	DominanceThreshold float64       // 面部主导的置信度阈值
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		TickInterval:       100 * time.Millisecond,
		Staleness:          2 * time.Second,
		DominanceThreshold: 0.8,
	}
}

// Engine 融合引擎
// 每会话的融合状态在首个分类结果到达时惰性创建，会话关闭后删除；
// 状态从不共享到引擎之外
type Engine struct {
	registry *registry.Registry
	cfg      *Config

	sessions sync.Map // map[string]*sessionFusion
	ticks    sync.Map // map[string]chan struct{} 每会话tick循环的停止信号
	wg       sync.WaitGroup

	// now 可注入的时钟，测试用
	now func() time.Time
}

// NewEngine 创建融合引擎
func NewEngine(reg *registry.Registry, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		registry: reg,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Submit 接收一个分类结果（fire-and-forget，从不阻塞）
// 会话不存在或已关闭时静默丢弃：分析请求比会话活得久是预期内的竞态
func (e *Engine) Submit(res *ClassificationResult) {
	if res == nil || !res.Modality.IsValid() {
		metrics.ResultsDroppedTotal.WithLabelValues("invalid").Inc()
		return
	}

	session, err := e.registry.Get(res.SessionID)
	if err != nil {
		metrics.ResultsDroppedTotal.WithLabelValues("unknown_session").Inc()
		return
	}
	if session.State() == registry.StateClosed {
		metrics.ResultsDroppedTotal.WithLabelValues("session_closed").Inc()
		return
	}

	state := e.stateFor(res.SessionID)
	state.slot(res.Modality).store(res)
	metrics.ResultsIngestedTotal.WithLabelValues(string(res.Modality)).Inc()
}

// Tick 为一个会话产出至多一个overlay，返回nil表示Empty
func (e *Engine) Tick(sessionID string) *OverlayPayload {
	session, err := e.registry.Get(sessionID)
	if err != nil || !session.State().CanEmit() {
		return nil
	}

	value, ok := e.sessions.Load(sessionID)
	if !ok {
		return nil // 还没有任何分类结果到达
	}
	state := value.(*sessionFusion)

	now := e.now()
	facialLabel, facialConf, facialLatest, facialOK := state.facial.smoothed(now, e.cfg.Staleness)
	audioLabel, audioConf, audioLatest, audioOK := state.audio.smoothed(now, e.cfg.Staleness)

	if !facialOK && !audioOK {
		return nil
	}

	payload := &OverlayPayload{
		SessionID: sessionID,
		EmittedAt: now,
	}

	// 优先级与加权：双模态在场时面部超过阈值即主导（满不透明度），
	// 否则按各自置信度占比加权；单模态时该元素满不透明度
	dominant := facialOK && audioOK && facialConf > e.cfg.DominanceThreshold
	total := facialConf + audioConf

	if facialOK {
		opacity := 1.0
		if audioOK && !dominant && total > 0 {
			opacity = facialConf / total
		}
		regions := facialLatest.Regions
		if len(regions) == 0 {
			regions = []Region{{}}
		}
		for _, region := range regions {
			payload.FacialOverlays = append(payload.FacialOverlays, FacialOverlay{
				Region:     region,
				Label:      facialLabel,
				Confidence: facialConf,
				Color:      EmotionColor(facialLabel),
				Opacity:    opacity,
				Dominant:   dominant,
			})
		}
	} else {
		payload.FacialOverlays = []FacialOverlay{}
	}

	if audioOK {
		opacity := 1.0
		if facialOK && total > 0 {
			opacity = audioConf / total
		}
		payload.AudioOverlay = &AudioOverlay{
			Label:         audioLabel,
			Confidence:    audioConf,
			Color:         EmotionColor(audioLabel),
			Opacity:       opacity,
			VoiceActivity: audioLatest.VoiceActivity,
		}
	}

	payload.AgeOfNewestInput = e.ageOfNewestInput(now, facialOK, facialLatest, audioOK, audioLatest)
	return payload
}

// StartTicking 启动会话的tick循环，产出交给sink
// 循环在每个周期开头检查注册表状态，会话Closed后清理融合状态并退出
func (e *Engine) StartTicking(sessionID string, sink Sink) {
	stop := make(chan struct{})
	if _, loaded := e.ticks.LoadOrStore(sessionID, stop); loaded {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.ticks.Delete(sessionID)

		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				session, err := e.registry.Get(sessionID)
				if err != nil || session.State() == registry.StateClosed {
					e.Remove(sessionID)
					return
				}

				payload := e.Tick(sessionID)
				if payload == nil {
					continue
				}
				if err := sink.Dispatch(payload); err != nil {
					log.Printf("Dispatch overlay for %s failed: %v", sessionID, err)
				}
			}
		}
	}()
}

// Remove 删除会话的融合状态
func (e *Engine) Remove(sessionID string) {
	e.sessions.Delete(sessionID)
}

// Shutdown 停止所有tick循环并等待退出
func (e *Engine) Shutdown() {
	e.ticks.Range(func(_, value interface{}) bool {
		stop := value.(chan struct{})
		select {
		case <-stop:
		default:
			close(stop)
		}
		return true
	})
	e.wg.Wait()
}

// stateFor 取或惰性创建会话融合状态
func (e *Engine) stateFor(sessionID string) *sessionFusion {
	if value, ok := e.sessions.Load(sessionID); ok {
		return value.(*sessionFusion)
	}
	value, _ := e.sessions.LoadOrStore(sessionID, &sessionFusion{})
	return value.(*sessionFusion)
}

// ageOfNewestInput 计算最新输入距now的年龄（毫秒）
func (e *Engine) ageOfNewestInput(now time.Time, facialOK bool, facial *ClassificationResult, audioOK bool, audio *ClassificationResult) int64 {
	var newest time.Time
	if facialOK {
		newest = facial.Timestamp
	}
	if audioOK && audio.Timestamp.After(newest) {
		newest = audio.Timestamp
	}
	return now.Sub(newest).Milliseconds()
}
