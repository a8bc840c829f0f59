package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"story-vault/app/config"
	"story-vault/app/eventbus"
	"story-vault/app/history"
	"story-vault/app/logger"
	"story-vault/app/model"
	dlutil "story-vault/app/utils/downloader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logger.Logger {
	return logger.New(config.LogConfig{Level: "error", Format: "text", Output: "stdout"})
}

func testConfig(t *testing.T) config.DownloadConfig {
	return config.DownloadConfig{
		OutputDir:      t.TempDir(),
		MaxConcurrent:  2,
		QueueSize:      32,
		MaxRetries:     3,
		RetryBaseDelay: 0,
		RetryMaxDelay:  1,
		Timeout:        5,
		ShutdownGrace:  5,
		AllowedDomains: []string{"cdninstagram.com", "fbcdn.net"},
	}
}

func testStory(id string) model.Story {
	return model.Story{
		ID:        id,
		Username:  "alice",
		MediaType: model.MediaVideo,
		VideoURL:  fmt.Sprintf("https://scontent.cdninstagram.com/v/%s.mp4", id),
		TakenAt:   time.Now(),
		ExpireAt:  time.Now().Add(24 * time.Hour),
	}
}

// fakeFetcher 可编程的抓取桩，记录并发度和调用次数
type fakeFetcher struct {
	mu        sync.Mutex
	calls     int
	active    int32
	maxActive int32
	failures  int   // 前 N 次调用返回错误
	failWith  error // 失败时返回的错误
	delay     time.Duration
	bytes     int64
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, destPath string) (int64, error) {
	cur := atomic.AddInt32(&f.active, 1)
	defer atomic.AddInt32(&f.active, -1)
	for {
		max := atomic.LoadInt32(&f.maxActive)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxActive, max, cur) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(f.delay):
		}
	}

	f.mu.Lock()
	f.calls++
	shouldFail := f.calls <= f.failures
	f.mu.Unlock()

	if shouldFail {
		if f.failWith != nil {
			return 0, f.failWith
		}
		return 0, fmt.Errorf("模拟网络错误")
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(destPath, make([]byte, f.bytes), 0644); err != nil {
		return 0, err
	}
	return f.bytes, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// collect 订阅终态事件并返回接收通道
func collect(bus *eventbus.Bus, ch eventbus.Channel) <-chan *model.DownloadTask {
	out := make(chan *model.DownloadTask, 32)
	bus.Subscribe(ch, "test_collector", func(ev eventbus.Event) {
		if task, ok := ev.Payload.(*model.DownloadTask); ok {
			out <- task
		}
	})
	return out
}

func waitTask(t *testing.T, ch <-chan *model.DownloadTask) *model.DownloadTask {
	t.Helper()
	select {
	case task := <-ch:
		return task
	case <-time.After(5 * time.Second):
		t.Fatal("等待终态事件超时")
		return nil
	}
}

func TestSchedulerDownloadsDetectedStories(t *testing.T) {
	cfg := testConfig(t)
	bus := eventbus.New(testLogger(), 32)
	ledger := history.New(testLogger(), time.Hour)
	fetcher := &fakeFetcher{bytes: 1024}

	completed := collect(bus, eventbus.ChannelDownloadCompleted)

	s := NewScheduler(cfg, fetcher, ledger, bus, testLogger())
	s.Start(context.Background())
	defer s.Stop()

	require.NoError(t, bus.Publish(eventbus.ChannelDetected, testStory("s1")))
	require.NoError(t, bus.Publish(eventbus.ChannelDetected, testStory("s2")))

	first := waitTask(t, completed)
	second := waitTask(t, completed)

	assert.Equal(t, model.TaskStatusCompleted, first.Status)
	assert.Equal(t, model.TaskStatusCompleted, second.Status)
	assert.NotEqual(t, first.OutputPath, second.OutputPath, "不同动态应有独立的输出文件")

	for _, task := range []*model.DownloadTask{first, second} {
		info, err := os.Stat(task.OutputPath)
		require.NoError(t, err)
		assert.Equal(t, int64(1024), info.Size())
		assert.True(t, ledger.Seen(task.Story.ID), "完成后应刷新去重记录")
	}

	stats := s.StatsSnapshot()
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, int64(2*1024), stats.TotalBytes)
}

func TestSchedulerRetriesTransientFailures(t *testing.T) {
	cfg := testConfig(t)
	bus := eventbus.New(testLogger(), 32)
	ledger := history.New(testLogger(), time.Hour)
	fetcher := &fakeFetcher{bytes: 64, failures: 2}

	completed := collect(bus, eventbus.ChannelDownloadCompleted)

	s := NewScheduler(cfg, fetcher, ledger, bus, testLogger())
	s.Start(context.Background())
	defer s.Stop()

	s.Enqueue(testStory("retry-me"))

	task := waitTask(t, completed)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, 2, task.Attempt, "前两次失败应被计数")
	assert.Equal(t, 3, fetcher.callCount())
}

func TestSchedulerGivesUpAfterMaxRetries(t *testing.T) {
	cfg := testConfig(t)
	bus := eventbus.New(testLogger(), 32)
	ledger := history.New(testLogger(), time.Hour)
	fetcher := &fakeFetcher{failures: 100}

	failed := collect(bus, eventbus.ChannelDownloadFailed)

	s := NewScheduler(cfg, fetcher, ledger, bus, testLogger())
	s.Start(context.Background())
	defer s.Stop()

	s.Enqueue(testStory("doomed"))

	task := waitTask(t, failed)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	assert.NotEmpty(t, task.Err)
	assert.Equal(t, cfg.MaxRetries+1, fetcher.callCount(), "初次尝试加上限次重试")
	assert.False(t, ledger.Seen("no-such"), "失败不应写入完成记录")
}

func TestSchedulerPermanentHTTPErrorSkipsRetry(t *testing.T) {
	cfg := testConfig(t)
	bus := eventbus.New(testLogger(), 32)
	ledger := history.New(testLogger(), time.Hour)
	fetcher := &fakeFetcher{failures: 100, failWith: &dlutil.HTTPError{StatusCode: 404}}

	failed := collect(bus, eventbus.ChannelDownloadFailed)

	s := NewScheduler(cfg, fetcher, ledger, bus, testLogger())
	s.Start(context.Background())
	defer s.Stop()

	s.Enqueue(testStory("gone"))

	task := waitTask(t, failed)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	assert.Equal(t, 1, fetcher.callCount(), "404 不应重试")
}

func TestSchedulerRejectsDisallowedURLs(t *testing.T) {
	cfg := testConfig(t)
	bus := eventbus.New(testLogger(), 32)
	ledger := history.New(testLogger(), time.Hour)
	fetcher := &fakeFetcher{bytes: 64}

	failed := collect(bus, eventbus.ChannelDownloadFailed)

	s := NewScheduler(cfg, fetcher, ledger, bus, testLogger())
	s.Start(context.Background())
	defer s.Stop()

	// 非 HTTPS
	plain := testStory("plain")
	plain.VideoURL = "http://scontent.cdninstagram.com/v/plain.mp4"
	s.Enqueue(plain)
	task := waitTask(t, failed)
	assert.Equal(t, model.TaskStatusFailed, task.Status)

	// 域名不在许可列表
	evil := testStory("evil")
	evil.VideoURL = "https://evil.example.com/v/evil.mp4"
	s.Enqueue(evil)
	task = waitTask(t, failed)
	assert.Equal(t, model.TaskStatusFailed, task.Status)

	assert.Equal(t, 0, fetcher.callCount(), "被拒绝的地址不应发起请求")
}

func TestSchedulerHonorsConcurrencyCeiling(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrent = 2
	bus := eventbus.New(testLogger(), 32)
	ledger := history.New(testLogger(), time.Hour)
	fetcher := &fakeFetcher{bytes: 16, delay: 50 * time.Millisecond}

	completed := collect(bus, eventbus.ChannelDownloadCompleted)

	s := NewScheduler(cfg, fetcher, ledger, bus, testLogger())
	s.Start(context.Background())
	defer s.Stop()

	for i := 0; i < 6; i++ {
		s.Enqueue(testStory(fmt.Sprintf("c%d", i)))
	}
	for i := 0; i < 6; i++ {
		waitTask(t, completed)
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&fetcher.maxActive), int32(2), "并发不应超过上限")
}

func TestSchedulerSkipsExistingFile(t *testing.T) {
	cfg := testConfig(t)
	bus := eventbus.New(testLogger(), 32)
	ledger := history.New(testLogger(), time.Hour)
	fetcher := &fakeFetcher{bytes: 64}

	completed := collect(bus, eventbus.ChannelDownloadCompleted)

	s := NewScheduler(cfg, fetcher, ledger, bus, testLogger())
	s.Start(context.Background())
	defer s.Stop()

	story := testStory("dup")
	s.Enqueue(story)
	first := waitTask(t, completed)

	s.Enqueue(story)
	second := waitTask(t, completed)

	assert.Equal(t, first.OutputPath, second.OutputPath)
	assert.Equal(t, 1, fetcher.callCount(), "已存在的文件不应重复下载")
}

func TestSchedulerStopDropsQueuedTasks(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrent = 1
	bus := eventbus.New(testLogger(), 64)
	ledger := history.New(testLogger(), time.Hour)
	fetcher := &fakeFetcher{bytes: 16, delay: 100 * time.Millisecond}

	s := NewScheduler(cfg, fetcher, ledger, bus, testLogger())
	s.Start(context.Background())

	for i := 0; i < 10; i++ {
		s.Enqueue(testStory(fmt.Sprintf("q%d", i)))
	}
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	assert.Less(t, fetcher.callCount(), 10, "停止后排队中的任务不应再执行")
}
