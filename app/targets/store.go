package targets

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"story-vault/app/logger"
	"story-vault/app/model"

	"gopkg.in/yaml.v3"
)

// File 目标配置文件结构
type File struct {
	Targets []model.TargetUser `yaml:"targets"`
}

// Store 监控目标的内存存储，支持运行中重载
type Store struct {
	logger *logger.Logger
	path   string

	mu      sync.RWMutex
	targets []model.TargetUser
}

// NewStore 创建目标存储并加载配置文件
func NewStore(path string, log *logger.Logger) (*Store, error) {
	s := &Store{
		logger: log,
		path:   path,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload 重新读取目标配置文件
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("读取目标配置失败: %w", err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("解析目标配置失败: %w", err)
	}

	valid := make([]model.TargetUser, 0, len(file.Targets))
	for i := range file.Targets {
		target := file.Targets[i]
		if err := target.Validate(); err != nil {
			s.logger.Warnf("忽略无效的监控目标: %v", err)
			continue
		}
		valid = append(valid, target)
	}

	s.mu.Lock()
	// 保留已解析的用户 ID，避免重载后重新解析
	for i := range valid {
		for j := range s.targets {
			if s.targets[j].Username == valid[i].Username && valid[i].UserID == 0 {
				valid[i].UserID = s.targets[j].UserID
			}
		}
	}
	s.targets = valid
	s.mu.Unlock()

	s.logger.Infof("加载了 %d 个监控目标: %s", len(valid), s.path)
	return nil
}

// Enabled 返回启用中的目标副本，按优先级排序
func (s *Store) Enabled() []model.TargetUser {
	s.mu.RLock()
	defer s.mu.RUnlock()

	enabled := make([]model.TargetUser, 0, len(s.targets))
	for _, t := range s.targets {
		if t.Enabled {
			enabled = append(enabled, t)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].PriorityRank() < enabled[j].PriorityRank()
	})
	return enabled
}

// Count 目标总数
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.targets)
}

// SetUserID 记录解析出的用户 ID 并持久化
func (s *Store) SetUserID(username string, userID int64) {
	s.mu.Lock()
	for i := range s.targets {
		if s.targets[i].Username == username {
			s.targets[i].UserID = userID
		}
	}
	s.mu.Unlock()

	if err := s.save(); err != nil {
		s.logger.Warnf("保存目标配置失败: %v", err)
	}
}

// save 原子写回目标配置文件
func (s *Store) save() error {
	s.mu.RLock()
	file := File{Targets: make([]model.TargetUser, len(s.targets))}
	copy(file.Targets, s.targets)
	s.mu.RUnlock()

	data, err := yaml.Marshal(&file)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}
