package service

import (
	"path/filepath"
	"testing"
	"time"

	"story-vault/app/config"
	"story-vault/app/database"
	"story-vault/app/logger"
	"story-vault/app/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func testLogger() *logger.Logger {
	return logger.New(config.LogConfig{Level: "error", Format: "text", Output: "stdout"})
}

func setupDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	database.DB = db
	require.NoError(t, database.AutoMigrate())
	t.Cleanup(func() { database.Close() })
}

func completedTask(id, username string, bytes int64) *model.DownloadTask {
	task := model.NewDownloadTask(model.Story{
		ID:        id,
		Username:  username,
		MediaType: model.MediaVideo,
		TakenAt:   time.Now().Add(-time.Hour),
	})
	task.SetCompleted("/data/stories/"+username+"/"+id+".mp4", bytes)
	return task
}

func TestRecordDetectionIsIdempotent(t *testing.T) {
	setupDB(t)
	svc := NewRecordService(testLogger())

	story := model.Story{ID: "d1", Username: "alice", MediaType: model.MediaImage, TakenAt: time.Now()}
	svc.recordDetection(story, time.Now())
	svc.recordDetection(story, time.Now())

	var count int64
	require.NoError(t, database.DB.Model(&model.StoryDetection{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "同一动态的检测记录不应重复")

	stats, err := svc.TodayStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.StoriesDetected, "重复检测不应重复计数")
}

func TestRecordCompletedUpsertsByStoryID(t *testing.T) {
	setupDB(t)
	svc := NewRecordService(testLogger())

	failed := model.NewDownloadTask(model.Story{ID: "r1", Username: "alice", MediaType: model.MediaVideo})
	failed.SetFailed(assert.AnError)
	svc.recordFailed(failed)

	svc.recordCompleted(completedTask("r1", "alice", 2048))

	var records []model.DownloadRecord
	require.NoError(t, database.DB.Find(&records).Error)
	require.Len(t, records, 1, "同一动态只应保留一条记录")
	assert.Equal(t, model.RecordStatusCompleted, records[0].Status)
	assert.Equal(t, int64(2048), records[0].FileSize)
}

func TestDailyStatsAccumulate(t *testing.T) {
	setupDB(t)
	svc := NewRecordService(testLogger())

	svc.BumpChecks()
	svc.BumpChecks()
	svc.recordCompleted(completedTask("s1", "alice", 1000))
	svc.recordCompleted(completedTask("s2", "bob", 500))

	failed := model.NewDownloadTask(model.Story{ID: "s3", Username: "alice"})
	failed.SetFailed(assert.AnError)
	svc.recordFailed(failed)

	stats, err := svc.TodayStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalChecks)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, int64(1500), stats.TotalSizeBytes)
}

func TestRecentAndUserRecords(t *testing.T) {
	setupDB(t)
	svc := NewRecordService(testLogger())

	svc.recordCompleted(completedTask("a1", "alice", 10))
	svc.recordCompleted(completedTask("a2", "alice", 20))
	svc.recordCompleted(completedTask("b1", "bob", 30))

	recent, err := svc.RecentRecords(10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	aliceOnly, err := svc.RecordsByUser("alice", 10)
	require.NoError(t, err)
	require.Len(t, aliceOnly, 2)
	for _, r := range aliceOnly {
		assert.Equal(t, "alice", r.Username)
	}
}

func TestSetCloudURL(t *testing.T) {
	setupDB(t)
	svc := NewRecordService(testLogger())

	svc.recordCompleted(completedTask("c1", "alice", 10))
	require.NoError(t, svc.SetCloudURL("c1", "https://cdn.example.com/c1.mp4"))

	var record model.DownloadRecord
	require.NoError(t, database.DB.Where("story_id = ?", "c1").First(&record).Error)
	assert.Equal(t, "https://cdn.example.com/c1.mp4", record.CloudURL)
}

func TestCompletedStoryIDsForWarmup(t *testing.T) {
	setupDB(t)
	svc := NewRecordService(testLogger())

	svc.recordCompleted(completedTask("w1", "alice", 10))
	svc.recordCompleted(completedTask("w2", "bob", 10))

	failed := model.NewDownloadTask(model.Story{ID: "w3", Username: "carol"})
	failed.SetFailed(assert.AnError)
	svc.recordFailed(failed)

	ids, err := svc.CompletedStoryIDs(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w1", "w2"}, ids, "失败的记录不应参与预热")

	done, err := svc.AlreadyDownloaded("w1")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = svc.AlreadyDownloaded("w3")
	require.NoError(t, err)
	assert.False(t, done, "失败的记录不算已下载")
}

func TestPruneDetections(t *testing.T) {
	setupDB(t)
	svc := NewRecordService(testLogger())

	svc.recordDetection(model.Story{ID: "old", Username: "alice"}, time.Now().Add(-48*time.Hour))
	svc.recordDetection(model.Story{ID: "new", Username: "alice"}, time.Now())

	pruned, err := svc.PruneDetections(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	var count int64
	require.NoError(t, database.DB.Model(&model.StoryDetection{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
