package model

import (
	"time"
)

// 下载记录状态常量
const (
	RecordStatusCompleted = "completed"
	RecordStatusFailed    = "failed"
)

// DownloadRecord 持久化的下载记录
type DownloadRecord struct {
	ID           uint      `json:"id" gorm:"primarykey"`
	StoryID      string    `json:"story_id" gorm:"not null;uniqueIndex"`
	Username     string    `json:"username" gorm:"not null;index"`
	DisplayName  string    `json:"display_name"`
	MediaType    string    `json:"media_type" gorm:"not null"`
	FilePath     string    `json:"file_path"`
	FileSize     int64     `json:"file_size" gorm:"default:0"`
	CloudURL     string    `json:"cloud_url"`
	Status       string    `json:"status" gorm:"size:20;default:completed;index"`
	ErrorMessage string    `json:"error_message" gorm:"type:text"`
	TakenAt      time.Time `json:"taken_at"`
	DownloadedAt time.Time `json:"downloaded_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName 指定表名
func (DownloadRecord) TableName() string {
	return "download_records"
}

// StoryDetection 动态的检测记录
type StoryDetection struct {
	ID          uint      `json:"id" gorm:"primarykey"`
	StoryID     string    `json:"story_id" gorm:"not null;uniqueIndex"`
	Username    string    `json:"username" gorm:"not null;index"`
	DisplayName string    `json:"display_name"`
	MediaType   string    `json:"media_type"`
	TakenAt     time.Time `json:"taken_at"`
	DetectedAt  time.Time `json:"detected_at"`
}

// TableName 指定表名
func (StoryDetection) TableName() string {
	return "story_detections"
}
