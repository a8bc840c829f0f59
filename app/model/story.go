package model

import (
	"time"
)

// MediaType 媒体类型
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// Story 一条被检测到的限时动态（不可变值对象）
type Story struct {
	ID          string    // 全局唯一的动态 ID
	Username    string    // 所属账号
	DisplayName string    // 显示名称（别名优先）
	MediaType   MediaType
	Caption     string

	// 媒体地址（按画质配置挑选后的结果，带签名会过期）
	VideoURL     string
	ImageURL     string
	ThumbnailURL string

	TakenAt  time.Time // 发布时间
	ExpireAt time.Time // 过期时间，恒大于 TakenAt
}

// IsVideo 是否为视频动态
func (s *Story) IsVideo() bool {
	return s.MediaType == MediaVideo
}

// MediaURL 返回用于下载的地址，视频优先
func (s *Story) MediaURL() string {
	if s.IsVideo() && s.VideoURL != "" {
		return s.VideoURL
	}
	if s.ImageURL != "" {
		return s.ImageURL
	}
	return s.ThumbnailURL
}

// FileExt 下载文件的扩展名
func (s *Story) FileExt() string {
	if s.IsVideo() {
		return ".mp4"
	}
	return ".jpg"
}

// Expired 是否已过期
func (s *Story) Expired(now time.Time) bool {
	return now.After(s.ExpireAt)
}
