package service

import (
	"time"

	"story-vault/app/database"
	"story-vault/app/eventbus"
	"story-vault/app/logger"
	"story-vault/app/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordService 把检测和下载结果写入数据库
type RecordService struct {
	logger *logger.Logger
}

// NewRecordService 创建记录服务
func NewRecordService(log *logger.Logger) *RecordService {
	return &RecordService{logger: log}
}

// Subscribe 订阅事件总线
func (s *RecordService) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.ChannelDetected, "record_detection", func(event eventbus.Event) {
		story, ok := event.Payload.(model.Story)
		if !ok {
			return
		}
		s.recordDetection(story, event.At)
	})
	bus.Subscribe(eventbus.ChannelDownloadCompleted, "record_completed", func(event eventbus.Event) {
		task, ok := event.Payload.(*model.DownloadTask)
		if !ok {
			return
		}
		s.recordCompleted(task)
	})
	bus.Subscribe(eventbus.ChannelDownloadFailed, "record_failed", func(event eventbus.Event) {
		task, ok := event.Payload.(*model.DownloadTask)
		if !ok {
			return
		}
		s.recordFailed(task)
	})
}

// recordDetection 保存检测记录并累计当日统计
func (s *RecordService) recordDetection(story model.Story, at time.Time) {
	detection := model.StoryDetection{
		StoryID:     story.ID,
		Username:    story.Username,
		DisplayName: story.DisplayName,
		MediaType:   string(story.MediaType),
		TakenAt:     story.TakenAt,
		DetectedAt:  at,
	}
	result := database.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "story_id"}},
		DoNothing: true,
	}).Create(&detection)
	if result.Error != nil {
		s.logger.Errorf("保存检测记录失败: %v", result.Error)
		return
	}
	if result.RowsAffected == 0 {
		// 冲突说明已记录过，不重复计数
		return
	}
	s.bumpDaily(func(stats *model.DailyStats) {
		stats.StoriesDetected++
	})
}

func (s *RecordService) recordCompleted(task *model.DownloadTask) {
	record := model.DownloadRecord{
		StoryID:      task.Story.ID,
		Username:     task.Story.Username,
		DisplayName:  task.Story.DisplayName,
		MediaType:    string(task.Story.MediaType),
		FilePath:     task.OutputPath,
		FileSize:     task.BytesWritten,
		Status:       model.RecordStatusCompleted,
		TakenAt:      task.Story.TakenAt,
		DownloadedAt: time.Now(),
	}
	if err := s.upsertRecord(&record); err != nil {
		s.logger.Errorf("保存下载记录失败: %v", err)
		return
	}
	s.bumpDaily(func(stats *model.DailyStats) {
		stats.Completed++
		stats.TotalSizeBytes += task.BytesWritten
	})
}

func (s *RecordService) recordFailed(task *model.DownloadTask) {
	record := model.DownloadRecord{
		StoryID:      task.Story.ID,
		Username:     task.Story.Username,
		DisplayName:  task.Story.DisplayName,
		MediaType:    string(task.Story.MediaType),
		Status:       model.RecordStatusFailed,
		ErrorMessage: task.Err,
		TakenAt:      task.Story.TakenAt,
		DownloadedAt: time.Now(),
	}
	if err := s.upsertRecord(&record); err != nil {
		s.logger.Errorf("保存失败记录失败: %v", err)
		return
	}
	s.bumpDaily(func(stats *model.DailyStats) {
		stats.Failed++
	})
}

// upsertRecord 同一动态的记录以最新结果为准
func (s *RecordService) upsertRecord(record *model.DownloadRecord) error {
	return database.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "story_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"file_path", "file_size", "status", "error_message", "downloaded_at",
		}),
	}).Create(record).Error
}

// SetCloudURL 回填云端地址
func (s *RecordService) SetCloudURL(storyID, cloudURL string) error {
	return database.DB.Model(&model.DownloadRecord{}).
		Where("story_id = ?", storyID).
		Update("cloud_url", cloudURL).Error
}

// BumpChecks 累计当日检测轮次
func (s *RecordService) BumpChecks() {
	s.bumpDaily(func(stats *model.DailyStats) {
		stats.TotalChecks++
	})
}

// bumpDaily 读取或创建当日统计行后应用修改
func (s *RecordService) bumpDaily(apply func(*model.DailyStats)) {
	date := time.Now().Format("2006-01-02")
	err := database.DB.Transaction(func(tx *gorm.DB) error {
		var stats model.DailyStats
		if err := tx.Where("date = ?", date).FirstOrCreate(&stats, model.DailyStats{Date: date}).Error; err != nil {
			return err
		}
		apply(&stats)
		stats.UpdatedAt = time.Now()
		return tx.Save(&stats).Error
	})
	if err != nil {
		s.logger.Errorf("更新当日统计失败: %v", err)
	}
}

// TodayStats 返回当日统计，没有记录时返回零值
func (s *RecordService) TodayStats() (model.DailyStats, error) {
	return s.StatsFor(time.Now())
}

// StatsFor 返回指定日期的统计
func (s *RecordService) StatsFor(day time.Time) (model.DailyStats, error) {
	var stats model.DailyStats
	err := database.DB.Where("date = ?", day.Format("2006-01-02")).First(&stats).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return model.DailyStats{Date: day.Format("2006-01-02")}, nil
		}
		return stats, err
	}
	return stats, nil
}

// RecentRecords 返回最近的下载记录
func (s *RecordService) RecentRecords(limit int) ([]model.DownloadRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var records []model.DownloadRecord
	err := database.DB.Order("downloaded_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// RecordsByUser 返回指定用户的下载记录
func (s *RecordService) RecordsByUser(username string, limit int) ([]model.DownloadRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var records []model.DownloadRecord
	err := database.DB.Where("username = ?", username).
		Order("downloaded_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// CompletedStoryIDs 返回保留期内已完成下载的动态 ID，用于重启后预热去重缓存
func (s *RecordService) CompletedStoryIDs(since time.Time) ([]string, error) {
	var ids []string
	err := database.DB.Model(&model.DownloadRecord{}).
		Where("status = ? AND downloaded_at >= ?", model.RecordStatusCompleted, since).
		Pluck("story_id", &ids).Error
	return ids, err
}

// AlreadyDownloaded 查询指定动态是否已成功下载过
func (s *RecordService) AlreadyDownloaded(storyID string) (bool, error) {
	var count int64
	err := database.DB.Model(&model.DownloadRecord{}).
		Where("story_id = ? AND status = ?", storyID, model.RecordStatusCompleted).
		Count(&count).Error
	return count > 0, err
}

// PruneDetections 清理过期的检测记录
func (s *RecordService) PruneDetections(before time.Time) (int64, error) {
	result := database.DB.Where("detected_at < ?", before).Delete(&model.StoryDetection{})
	return result.RowsAffected, result.Error
}
