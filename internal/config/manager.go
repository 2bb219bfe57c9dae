package config

import (
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager 配置管理器：加载、缓存、可选的文件热更新
type Manager struct {
	mu           sync.RWMutex
	config       *PipelineConfig
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 指定配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 加载配置（幂等，已加载时直接返回缓存）
func (m *Manager) Load() (*PipelineConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config != nil {
		return m.config, nil
	}

	config, viperInstance, err := loadFromFile(m.configPath)
	if err != nil {
		return nil, err
	}

	m.config = config
	m.viper = viperInstance

	if m.watchEnabled && m.viper.ConfigFileUsed() != "" {
		m.watch()
	}

	return config, nil
}

// Get 获取配置（未加载则自动加载）
func (m *Manager) Get() (*PipelineConfig, error) {
	m.mu.RLock()
	if m.config != nil {
		defer m.mu.RUnlock()
		return m.config, nil
	}
	m.mu.RUnlock()

	return m.Load()
}

// watch 监控配置文件变化并重新解析
// 运行期仅刷新缓存快照；各组件在下次读取时取到新值
func (m *Manager) watch() {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("Config file changed: %s", e.Name)

		fresh := &PipelineConfig{}
		if err := m.viper.Unmarshal(fresh); err != nil {
			log.Printf("Reload config failed: %v", err)
			return
		}
		if err := fresh.Validate(); err != nil {
			log.Printf("Reloaded config invalid: %v", err)
			return
		}

		m.mu.Lock()
		m.config = fresh
		m.mu.Unlock()
	})
	m.viper.WatchConfig()
}
