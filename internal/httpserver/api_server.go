// Package httpserver 管线的HTTP边界
//
// 分类器协作方通过 POST /api/v1/results 投递分析结果；
// 运维侧通过 /api/v1/sessions、/api/v1/stats、/metrics 观察管线状态
package httpserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"EmotionFusionPipeline/internal/admission"
	"EmotionFusionPipeline/internal/fusion"
	"EmotionFusionPipeline/internal/registry"
)

// APIServer 管线HTTP API服务器
type APIServer struct {
	router *mux.Router
	server *http.Server

	registry *registry.Registry
	pool     *admission.WorkerPool
	engine   *fusion.Engine

	startTime time.Time
}

// APIResponse 统一响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ResultRequest 分类结果投递体（timestamp为采集时刻的unix毫秒）
type ResultRequest struct {
	SessionID     string             `json:"session_id"`
	Modality      string             `json:"modality"`
	TimestampMs   int64              `json:"timestamp_ms"`
	Emotion       string             `json:"emotion"`
	Confidence    float64            `json:"confidence"`
	Scores        map[string]float64 `json:"scores,omitempty"`
	Regions       []fusion.Region    `json:"regions,omitempty"`
	VoiceActivity bool               `json:"voice_activity,omitempty"`
}

// WorkerStats 单个worker的统计
type WorkerStats struct {
	WorkerID int     `json:"worker_id"`
	Capacity int32   `json:"capacity"`
	Load     int32   `json:"load"`
	CPUHint  float64 `json:"cpu_hint"`
}

// NewAPIServer 创建HTTP API服务器
func NewAPIServer(addr string, reg *registry.Registry, pool *admission.WorkerPool, engine *fusion.Engine) *APIServer {
	server := &APIServer{
		router:    mux.NewRouter(),
		registry:  reg,
		pool:      pool,
		engine:    engine,
		startTime: time.Now(),
	}

	server.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	server.server = &http.Server{
		Addr:         addr,
		Handler:      c.Handler(server.router),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server
}

// setupRoutes 设置路由
func (s *APIServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/results", s.submitResultHandler).Methods("POST")
	api.HandleFunc("/sessions", s.listSessionsHandler).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.getSessionHandler).Methods("GET")
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")

	s.router.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Start 启动服务器
func (s *APIServer) Start() error {
	log.Printf("HTTP API listening on %s", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP API server error: %v", err)
		}
	}()
	return nil
}

// Shutdown 关闭服务器
func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// submitResultHandler 分类器投递分析结果
// 未知/已关闭会话的结果由融合引擎静默丢弃，这里始终应答202
func (s *APIServer) submitResultHandler(w http.ResponseWriter, r *http.Request) {
	var req ResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, &APIResponse{
			Success: false, Message: "invalid request body", Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	modality := fusion.Modality(req.Modality)
	if !modality.IsValid() {
		s.writeJSON(w, http.StatusBadRequest, &APIResponse{
			Success: false, Message: "invalid modality", Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	s.engine.Submit(&fusion.ClassificationResult{
		SessionID:     req.SessionID,
		Modality:      modality,
		Timestamp:     time.UnixMilli(req.TimestampMs),
		EmotionLabel:  req.Emotion,
		Confidence:    req.Confidence,
		Scores:        req.Scores,
		Regions:       req.Regions,
		VoiceActivity: req.VoiceActivity,
	})

	s.writeJSON(w, http.StatusAccepted, &APIResponse{
		Success: true, Timestamp: time.Now().UnixMilli(),
	})
}

// listSessionsHandler 列出所有会话快照
func (s *APIServer) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.Snapshot()
	if infos == nil {
		infos = []registry.SessionInfo{}
	}
	s.writeJSON(w, http.StatusOK, &APIResponse{
		Success: true, Data: infos, Timestamp: time.Now().UnixMilli(),
	})
}

// getSessionHandler 查询单个会话
func (s *APIServer) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, err := s.registry.Get(id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, &APIResponse{
			Success: false, Message: "session not found", Timestamp: time.Now().UnixMilli(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, &APIResponse{
		Success: true, Data: session.Info(), Timestamp: time.Now().UnixMilli(),
	})
}

// statsHandler 管线总体统计
func (s *APIServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	workers := make([]WorkerStats, 0, s.pool.Size())
	for _, worker := range s.pool.Workers() {
		workers = append(workers, WorkerStats{
			WorkerID: worker.ID,
			Capacity: worker.Capacity,
			Load:     worker.Load(),
			CPUHint:  worker.CPUHint(),
		})
	}

	s.writeJSON(w, http.StatusOK, &APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"uptime_seconds":  time.Since(s.startTime).Seconds(),
			"active_sessions": s.registry.ActiveCount(),
			"total_load":      s.pool.TotalLoad(),
			"workers":         workers,
		},
		Timestamp: time.Now().UnixMilli(),
	})
}

// healthHandler 存活探针
func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, &APIResponse{
		Success: true, Message: "ok", Timestamp: time.Now().UnixMilli(),
	})
}

// writeJSON 写出JSON响应
func (s *APIServer) writeJSON(w http.ResponseWriter, status int, resp *APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("Encode response failed: %v", err)
	}
}

// loggingMiddleware 请求日志中间件
func (s *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %v", r.Method, r.URL.Path, time.Since(start))
	})
}
