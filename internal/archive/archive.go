// Package archive 关闭会话的归档存储（PostgreSQL，可选启用）
//
// 注册表的移除钩子在宽限期结束后把会话摘要写入session_archive表
package archive

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"EmotionFusionPipeline/internal/registry"
)

// Config 数据库配置
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Host:    "localhost",
		Port:    5432,
		User:    "postgres",
		DBName:  "fusion",
		SSLMode: "disable",
	}
}

// Store 归档存储
type Store struct {
	pool *pgxpool.Pool
}

// Connect 建立连接池并验证连通性
func Connect(ctx context.Context, config *Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		config.User, config.Password, config.Host, config.Port, config.DBName, config.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config failed: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database failed: %w", err)
	}

	log.Printf("Archive store connected to %s:%d/%s", config.Host, config.Port, config.DBName)
	return &Store{pool: pool}, nil
}

// EnsureSchema 建表（幂等）
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS session_archive (
	session_id         TEXT PRIMARY KEY,
	worker_id          INTEGER,
	created_at         TIMESTAMPTZ NOT NULL,
	closed_at          TIMESTAMPTZ NOT NULL,
	reconnect_attempts INTEGER NOT NULL DEFAULT 0,
	overlays_emitted   BIGINT NOT NULL DEFAULT 0
)`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema failed: %w", err)
	}
	return nil
}

// Save 写入一条会话摘要
func (s *Store) Save(ctx context.Context, info registry.SessionInfo) error {
	const insert = `
INSERT INTO session_archive (session_id, worker_id, created_at, closed_at, reconnect_attempts, overlays_emitted)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id) DO NOTHING`

	workerID := -1
	if info.WorkerAssigned {
		workerID = info.WorkerID
	}

	if _, err := s.pool.Exec(ctx, insert,
		info.ID, workerID, info.CreatedAt, info.ClosedAt,
		info.ReconnectAttempt, info.OverlaysEmitted); err != nil {
		return fmt.Errorf("archive session %s failed: %w", info.ID, err)
	}
	return nil
}

// RemoveHook 生成可挂到注册表上的移除钩子
func (s *Store) RemoveHook() registry.RemoveHook {
	return func(info registry.SessionInfo) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Save(ctx, info); err != nil {
			log.Printf("Archive write failed: %v", err)
		}
	}
}

// Close 关闭连接池
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
