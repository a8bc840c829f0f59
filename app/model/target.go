package model

import (
	"fmt"
	"regexp"
)

// 目标优先级
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._]{1,30}$`)

// TargetUser 被监控的账号
type TargetUser struct {
	Username string `mapstructure:"username" yaml:"username" json:"username"`
	UserID   int64  `mapstructure:"user_id" yaml:"user_id" json:"user_id"` // 0 表示尚未解析
	Alias    string `mapstructure:"alias" yaml:"alias" json:"alias"`
	Priority string `mapstructure:"priority" yaml:"priority" json:"priority"`
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// Validate 校验目标配置
func (t *TargetUser) Validate() error {
	if t.Username == "" {
		return fmt.Errorf("username 是必填项")
	}
	if !usernamePattern.MatchString(t.Username) {
		return fmt.Errorf("无效的 username: %s", t.Username)
	}
	switch t.Priority {
	case PriorityHigh, PriorityNormal, PriorityLow:
	case "":
		t.Priority = PriorityNormal
	default:
		t.Priority = PriorityNormal
	}
	return nil
}

// DisplayName 显示名称，别名优先
func (t *TargetUser) DisplayName() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Username
}

// PriorityRank 优先级排序值，越小越靠前
func (t *TargetUser) PriorityRank() int {
	switch t.Priority {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}
