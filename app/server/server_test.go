package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"story-vault/app/config"
	"story-vault/app/database"
	"story-vault/app/downloader"
	"story-vault/app/eventbus"
	"story-vault/app/handler"
	"story-vault/app/history"
	"story-vault/app/logger"
	"story-vault/app/model"
	"story-vault/app/monitor"
	"story-vault/app/service"
	"story-vault/app/targets"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testAPIKey = "test-api-key"

func testLogger() *logger.Logger {
	return logger.New(config.LogConfig{Level: "error", Format: "text", Output: "stdout"})
}

func setupHandler(t *testing.T) *handler.Handler {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	database.DB = db
	require.NoError(t, database.AutoMigrate())
	t.Cleanup(func() { database.Close() })

	targetsPath := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(targetsPath, []byte("targets: []\n"), 0644))
	store, err := targets.NewStore(targetsPath, testLogger())
	require.NoError(t, err)

	log := testLogger()
	bus := eventbus.New(log, 16)
	ledger := history.New(log, time.Hour)
	records := service.NewRecordService(log)

	monitorCfg := config.MonitorConfig{
		CheckIntervalMin: 300,
		CheckIntervalMax: 600,
		StoryExpireHours: 24,
		DownloadVideos:   true,
		DownloadImages:   true,
	}
	mon := monitor.New(monitorCfg, config.InstagramConfig{}, nil, nil, store, ledger, bus, log)

	downloadCfg := config.DownloadConfig{
		OutputDir:      t.TempDir(),
		MaxConcurrent:  1,
		QueueSize:      8,
		AllowedDomains: []string{"cdninstagram.com"},
	}
	sched := downloader.NewScheduler(downloadCfg, nil, ledger, bus, log)

	return &handler.Handler{
		Monitor:   mon,
		Scheduler: sched,
		Records:   records,
		Targets:   store,
		Ledger:    ledger,
		StartedAt: time.Now(),
	}
}

func setupRouter(t *testing.T) http.Handler {
	t.Helper()
	srv := New(config.ServerConfig{Port: "0", APIKey: testAPIKey}, setupHandler(t), testLogger())
	return srv.http.Handler
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	router := setupRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestStatusRequiresAPIKey(t *testing.T) {
	router := setupRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStatusReturnsOverview(t *testing.T) {
	router := setupRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp handler.ApiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Code)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, data, "uptime_seconds")
	assert.Contains(t, data, "monitor")
	assert.Contains(t, data, "downloader")
	assert.Contains(t, data, "today")
}

func TestRecentRecordsEndpoint(t *testing.T) {
	h := setupHandler(t)
	srv := New(config.ServerConfig{Port: "0", APIKey: testAPIKey}, h, testLogger())

	task := model.NewDownloadTask(model.Story{
		ID: "rec1", Username: "alice", MediaType: model.MediaVideo, TakenAt: time.Now(),
	})
	task.SetCompleted("/data/stories/alice/rec1.mp4", 128)
	bus := eventbus.New(testLogger(), 16)
	h.Records.Subscribe(bus)
	require.NoError(t, bus.Publish(eventbus.ChannelDownloadCompleted, task))
	bus.Close()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/records/recent", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	srv.http.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rec1")

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/records/user/alice", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	srv.http.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rec1")

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/records/user/nobody", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	srv.http.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "rec1")
}

func TestTriggerCheckEndpoint(t *testing.T) {
	router := setupRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/check", nil)
	req.Header.Set("X-API-Key", testAPIKey)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "triggered")
}
