package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus 下载任务状态
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"     // 等待中
	TaskStatusInProgress TaskStatus = "in_progress" // 下载中
	TaskStatusCompleted  TaskStatus = "completed"   // 已完成
	TaskStatusFailed     TaskStatus = "failed"      // 失败
)

// DownloadTask 一次把动态落盘的下载任务，仅在调度器内部可变。
// 状态只会向前推进，attempt 只在失败重试时增长。
type DownloadTask struct {
	ID      string
	Story   Story
	Status  TaskStatus
	Attempt int // 已发起的抓取次数

	// OutputPath 仅在临时文件原子重命名成功后写入，
	// 消费者看到它时文件一定是完整的。
	OutputPath   string
	BytesWritten int64
	Err          string

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

// NewDownloadTask 从检测到的动态创建下载任务
func NewDownloadTask(story Story) *DownloadTask {
	return &DownloadTask{
		ID:        uuid.NewString(),
		Story:     story,
		Status:    TaskStatusPending,
		CreatedAt: time.Now(),
	}
}

// Terminal 是否已到达终态
func (t *DownloadTask) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// CanRetry 检查是否可以重试
func (t *DownloadTask) CanRetry(maxRetries int) bool {
	return t.Attempt < maxRetries && !t.Terminal()
}

// SetInProgress 设置为下载中状态
func (t *DownloadTask) SetInProgress() {
	t.Status = TaskStatusInProgress
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
}

// SetCompleted 设置为已完成状态
func (t *DownloadTask) SetCompleted(outputPath string, bytes int64) {
	t.Status = TaskStatusCompleted
	t.OutputPath = outputPath
	t.BytesWritten = bytes
	t.Err = ""
	t.EndedAt = time.Now()
}

// SetFailed 设置为失败终态
func (t *DownloadTask) SetFailed(err error) {
	t.Status = TaskStatusFailed
	if err != nil {
		t.Err = err.Error()
	}
	t.EndedAt = time.Now()
}

// RecordAttemptFailure 记录一次失败的尝试，回到等待状态以便重试
func (t *DownloadTask) RecordAttemptFailure(err error) {
	t.Attempt++
	if err != nil {
		t.Err = err.Error()
	}
	t.Status = TaskStatusPending
}
