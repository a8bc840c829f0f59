package instagram

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Session 登录会话凭证，由外部登录服务签发
type Session struct {
	Username      string            `json:"username"`
	UserID        int64             `json:"user_id"`
	Authorization string            `json:"authorization"`
	Cookies       map[string]string `json:"cookies"`
	RefreshedAt   time.Time         `json:"refreshed_at"`
}

// CookieHeader 把 Cookie 拼成请求头格式
func (s *Session) CookieHeader() string {
	if len(s.Cookies) == 0 {
		return ""
	}
	header := ""
	for name, value := range s.Cookies {
		if header != "" {
			header += "; "
		}
		header += name + "=" + value
	}
	return header
}

// LoadSession 从文件加载会话
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取会话文件失败: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("解析会话文件失败: %w", err)
	}
	return &session, nil
}

// Save 原子写入会话文件：先写临时文件再重命名
func (s *Session) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("创建会话目录失败: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("写入会话临时文件失败: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("重命名会话文件失败: %w", err)
	}
	return nil
}
