package database

import "story-vault/app/model"

func AutoMigrate() error {
	// 自动迁移表结构
	return DB.AutoMigrate(
		&model.DownloadRecord{},
		&model.StoryDetection{},
		&model.DailyStats{},
	)
}
