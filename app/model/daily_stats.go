package model

import (
	"fmt"
	"time"
)

// DailyStats 按天聚合的运行统计
type DailyStats struct {
	ID              uint      `json:"id" gorm:"primarykey"`
	Date            string    `json:"date" gorm:"not null;uniqueIndex;size:10"` // 格式 2006-01-02
	TotalChecks     int       `json:"total_checks" gorm:"default:0"`
	StoriesDetected int       `json:"stories_detected" gorm:"default:0"`
	Completed       int       `json:"downloads_completed" gorm:"default:0"`
	Failed          int       `json:"downloads_failed" gorm:"default:0"`
	TotalSizeBytes  int64     `json:"total_size_bytes" gorm:"default:0"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName 指定表名
func (DailyStats) TableName() string {
	return "daily_stats"
}

// FormatSize 把字节数转换成可读格式
func FormatSize(size int64) string {
	if size <= 0 {
		return "0 B"
	}
	value := float64(size)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if value < 1024 {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%.1f TB", value)
}
