package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"EmotionFusionPipeline/internal/admission"
	"EmotionFusionPipeline/internal/fusion"
	"EmotionFusionPipeline/internal/gateway"
	"EmotionFusionPipeline/internal/lifecycle"
	"EmotionFusionPipeline/internal/overlayclient"
	"EmotionFusionPipeline/internal/registry"
)

// 演示：启动网关，用合成的双模态分类结果驱动融合引擎，
// 客户端SDK接收overlay推送并打印
func main() {
	fmt.Println("🎯 情绪融合管线演示")
	fmt.Println("==================================")
	fmt.Println()

	// 1. 组装管线
	fmt.Println("🚀 启动网关...")
	reg := registry.New(5 * time.Second)
	pool := admission.NewWorkerPool(2, 10)
	admitter := admission.NewController(reg, pool, 20)
	distributor := admission.NewDistributor(reg, pool)
	lm := lifecycle.NewManager(reg, lifecycle.DefaultConfig())
	engine := fusion.NewEngine(reg, fusion.DefaultConfig())

	gw := gateway.New(gateway.DefaultConfig("127.0.0.1:0"), reg, admitter, distributor, lm, engine)
	lm.SetTransport(gw)
	reg.OnClose(func(info registry.SessionInfo) {
		if info.WorkerAssigned {
			distributor.Release(info.WorkerID)
		}
	})

	if err := gw.Start(); err != nil {
		log.Fatalf("启动网关失败: %v", err)
	}
	defer gw.Shutdown(context.Background())
	fmt.Printf("✅ 网关已启动: %s\n", gw.Addr())

	// 2. 客户端连接
	fmt.Println("\n🔗 建立客户端连接...")
	client := overlayclient.New(overlayclient.DefaultClientConfig("ws://" + gw.Addr() + "/ws"))

	overlayCount := 0
	client.SetOverlayHandler(func(payload *fusion.OverlayPayload) {
		overlayCount++
		if overlayCount%10 != 0 {
			return
		}
		for _, f := range payload.FacialOverlays {
			fmt.Printf("  😀 facial: %s (%.2f) dominant=%v opacity=%.2f\n",
				f.Label, f.Confidence, f.Dominant, f.Opacity)
		}
		if payload.AudioOverlay != nil {
			fmt.Printf("  🎤 audio:  %s (%.2f) opacity=%.2f\n",
				payload.AudioOverlay.Label, payload.AudioOverlay.Confidence, payload.AudioOverlay.Opacity)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	defer client.Close()

	sessionID := client.SessionID()
	fmt.Printf("✅ 会话已建立: %s\n", sessionID)

	// 3. 合成分类结果
	fmt.Println("\n📊 注入合成分类结果（10秒）...")
	emotions := []string{
		fusion.EmotionHappy, fusion.EmotionNeutral, fusion.EmotionSurprised,
		fusion.EmotionCalm, fusion.EmotionSad,
	}

	feedTicker := time.NewTicker(200 * time.Millisecond)
	defer feedTicker.Stop()
	deadline := time.After(10 * time.Second)

feed:
	for {
		select {
		case <-deadline:
			break feed
		case <-feedTicker.C:
			label := emotions[rand.Intn(len(emotions))]
			engine.Submit(&fusion.ClassificationResult{
				SessionID:    sessionID,
				Modality:     fusion.ModalityFacial,
				Timestamp:    time.Now(),
				EmotionLabel: label,
				Confidence:   0.6 + rand.Float64()*0.4,
				Regions:      []fusion.Region{{X: 0.3, Y: 0.2, Width: 0.2, Height: 0.3}},
			})
			engine.Submit(&fusion.ClassificationResult{
				SessionID:     sessionID,
				Modality:      fusion.ModalityAudio,
				Timestamp:     time.Now(),
				EmotionLabel:  emotions[rand.Intn(len(emotions))],
				Confidence:    0.5 + rand.Float64()*0.4,
				VoiceActivity: true,
			})
		}
	}

	fmt.Printf("\n✅ 演示结束，共收到 %d 个overlay\n", overlayCount)

	engine.Shutdown()
	lm.Shutdown()
}
