package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"story-vault/app/config"
	"story-vault/app/eventbus"
	"story-vault/app/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider 记录发送的消息，可注入前 N 次失败
type fakeProvider struct {
	mu       sync.Mutex
	messages []Message
	failures int
	calls    int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Send(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return fmt.Errorf("模拟发送失败")
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakeProvider) sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

func notifyConfig() config.NotifyConfig {
	return config.NotifyConfig{
		Enabled:          true,
		Provider:         "discord",
		QueueSize:        16,
		MaxRetries:       2,
		OnStoryDetected:  true,
		OnDownloadDone:   true,
		OnDownloadFailed: true,
		OnErrors:         true,
	}
}

func waitForMessages(t *testing.T, p *fakeProvider, want int) []Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := p.sent(); len(msgs) >= want {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待 %d 条消息超时，已收到 %d 条", want, len(p.sent()))
	return nil
}

func TestNotifyDeliversEventMessages(t *testing.T) {
	provider := &fakeProvider{}
	svc, err := NewNotifyService(notifyConfig(), provider, testLogger())
	require.NoError(t, err)

	bus := eventbus.New(testLogger(), 16)
	svc.Subscribe(bus)
	svc.Start(context.Background())
	defer svc.Stop()

	require.NoError(t, bus.Publish(eventbus.ChannelDetected, model.Story{
		ID: "n1", Username: "alice", DisplayName: "alice", MediaType: model.MediaVideo,
	}))

	task := model.NewDownloadTask(model.Story{ID: "n1", Username: "alice", DisplayName: "alice"})
	task.SetCompleted("/data/out.mp4", 4096)
	require.NoError(t, bus.Publish(eventbus.ChannelDownloadCompleted, task))

	msgs := waitForMessages(t, provider, 2)
	bus.Close()

	// 不同通道的事件没有跨通道顺序保证
	byTitle := map[string]Message{}
	for _, msg := range msgs {
		byTitle[msg.Title] = msg
	}
	require.Contains(t, byTitle, "检测到新动态")
	assert.Contains(t, byTitle["检测到新动态"].Body, "alice")
	require.Contains(t, byTitle, "下载完成")
	assert.Contains(t, byTitle["下载完成"].Body, "4.0 KB")
}

func TestNotifyRespectsEventToggles(t *testing.T) {
	cfg := notifyConfig()
	cfg.OnStoryDetected = false

	provider := &fakeProvider{}
	svc, err := NewNotifyService(cfg, provider, testLogger())
	require.NoError(t, err)

	bus := eventbus.New(testLogger(), 16)
	svc.Subscribe(bus)
	svc.Start(context.Background())
	defer svc.Stop()

	require.NoError(t, bus.Publish(eventbus.ChannelDetected, model.Story{ID: "x", DisplayName: "alice"}))

	failed := model.NewDownloadTask(model.Story{ID: "x", DisplayName: "alice"})
	failed.SetFailed(assert.AnError)
	require.NoError(t, bus.Publish(eventbus.ChannelDownloadFailed, failed))

	msgs := waitForMessages(t, provider, 1)
	bus.Close()
	assert.Equal(t, "下载失败", msgs[0].Title, "关闭的事件类型不应产生通知")
}

func TestNotifyRetriesFailedSends(t *testing.T) {
	provider := &fakeProvider{failures: 2}
	svc, err := NewNotifyService(notifyConfig(), provider, testLogger())
	require.NoError(t, err)

	svc.Start(context.Background())
	defer svc.Stop()

	svc.Push(Message{Title: "重试测试", Body: "内容"})

	msgs := waitForMessages(t, provider, 1)
	assert.Equal(t, "重试测试", msgs[0].Title)

	sent, dropped := svc.Stats()
	assert.Equal(t, int64(1), sent)
	assert.Equal(t, int64(0), dropped)
}

func TestNotifyGivesUpAfterMaxRetries(t *testing.T) {
	provider := &fakeProvider{failures: 100}
	cfg := notifyConfig()
	cfg.MaxRetries = 1

	svc, err := NewNotifyService(cfg, provider, testLogger())
	require.NoError(t, err)

	svc.Start(context.Background())
	svc.Push(Message{Title: "注定失败", Body: "内容"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, dropped := svc.Stats(); dropped > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	svc.Stop()

	sent, dropped := svc.Stats()
	assert.Equal(t, int64(0), sent)
	assert.Equal(t, int64(1), dropped)
}

func TestNotifyDailySummaryMessage(t *testing.T) {
	provider := &fakeProvider{}
	svc, err := NewNotifyService(notifyConfig(), provider, testLogger())
	require.NoError(t, err)

	svc.Start(context.Background())
	defer svc.Stop()

	svc.PushDailySummary(model.DailyStats{
		Date:            "2026-08-31",
		TotalChecks:     12,
		StoriesDetected: 5,
		Completed:       4,
		Failed:          1,
		TotalSizeBytes:  3 * 1024 * 1024,
	})

	msgs := waitForMessages(t, provider, 1)
	assert.Contains(t, msgs[0].Title, "2026-08-31")
	assert.Contains(t, msgs[0].Body, "下载成功: 4")
	assert.Contains(t, msgs[0].Body, "3.0 MB")
}

func TestNewProviderRejectsUnknown(t *testing.T) {
	cfg := notifyConfig()
	cfg.Provider = "pager"
	_, err := NewNotifyService(cfg, nil, testLogger())
	assert.Error(t, err)
}
