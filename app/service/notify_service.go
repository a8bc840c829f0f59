package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"story-vault/app/config"
	"story-vault/app/eventbus"
	"story-vault/app/logger"
	"story-vault/app/model"

	"resty.dev/v3"
)

// Message 待发送的通知消息
type Message struct {
	Title string
	Body  string
	Color int // Discord 侧边颜色
}

// Discord 嵌入消息颜色
const (
	colorGreen  = 0x2ECC71
	colorRed    = 0xE74C3C
	colorBlue   = 0x3498DB
	colorOrange = 0xE67E22
)

// Provider 通知发送渠道
type Provider interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// NotifyService 异步发送事件通知
type NotifyService struct {
	logger   *logger.Logger
	cfg      config.NotifyConfig
	provider Provider

	queue  chan Message
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	sent    int64
	dropped int64
}

// NewNotifyService 创建通知服务，provider 为空时根据配置选择
func NewNotifyService(cfg config.NotifyConfig, provider Provider, log *logger.Logger) (*NotifyService, error) {
	if provider == nil {
		var err error
		provider, err = newProvider(cfg)
		if err != nil {
			return nil, err
		}
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}
	return &NotifyService{
		logger:   log,
		cfg:      cfg,
		provider: provider,
		queue:    make(chan Message, queueSize),
		stopCh:   make(chan struct{}),
	}, nil
}

func newProvider(cfg config.NotifyConfig) (Provider, error) {
	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	switch cfg.Provider {
	case "discord":
		return NewDiscordProvider(cfg.DiscordWebhookURL, timeout), nil
	case "telegram":
		return NewTelegramProvider(cfg.TelegramToken, cfg.TelegramChatID, timeout), nil
	default:
		return nil, fmt.Errorf("不支持的通知渠道: %s", cfg.Provider)
	}
}

// Start 启动发送循环
func (s *NotifyService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Infof("通知服务已启动，渠道: %s", s.provider.Name())
}

// Stop 停止发送循环，队列中未发送的消息丢弃
func (s *NotifyService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Subscribe 按配置订阅事件总线
func (s *NotifyService) Subscribe(bus *eventbus.Bus) {
	if s.cfg.OnStoryDetected {
		bus.Subscribe(eventbus.ChannelDetected, "notify_detected", func(event eventbus.Event) {
			story, ok := event.Payload.(model.Story)
			if !ok {
				return
			}
			s.Push(Message{
				Title: "检测到新动态",
				Body:  fmt.Sprintf("%s 发布了新的%s动态", story.DisplayName, mediaLabel(story.MediaType)),
				Color: colorBlue,
			})
		})
	}
	if s.cfg.OnDownloadDone {
		bus.Subscribe(eventbus.ChannelDownloadCompleted, "notify_completed", func(event eventbus.Event) {
			task, ok := event.Payload.(*model.DownloadTask)
			if !ok {
				return
			}
			s.Push(Message{
				Title: "下载完成",
				Body: fmt.Sprintf("%s 的动态已保存 (%s)",
					task.Story.DisplayName, model.FormatSize(task.BytesWritten)),
				Color: colorGreen,
			})
		})
	}
	if s.cfg.OnDownloadFailed {
		bus.Subscribe(eventbus.ChannelDownloadFailed, "notify_failed", func(event eventbus.Event) {
			task, ok := event.Payload.(*model.DownloadTask)
			if !ok {
				return
			}
			s.Push(Message{
				Title: "下载失败",
				Body:  fmt.Sprintf("%s 的动态下载失败: %s", task.Story.DisplayName, task.Err),
				Color: colorRed,
			})
		})
	}
	if s.cfg.OnErrors {
		bus.Subscribe(eventbus.ChannelError, "notify_error", func(event eventbus.Event) {
			err, ok := event.Payload.(error)
			if !ok {
				return
			}
			s.Push(Message{
				Title: "监控异常",
				Body:  err.Error(),
				Color: colorOrange,
			})
		})
	}
}

// Push 消息入队，队列满时丢弃并计数
func (s *NotifyService) Push(msg Message) {
	select {
	case s.queue <- msg:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Warnf("通知队列已满，丢弃消息: %s", msg.Title)
	}
}

// PushDailySummary 发送每日统计摘要
func (s *NotifyService) PushDailySummary(stats model.DailyStats) {
	s.Push(Message{
		Title: fmt.Sprintf("每日统计 %s", stats.Date),
		Body: fmt.Sprintf("检测轮次: %d\n新动态: %d\n下载成功: %d\n下载失败: %d\n总大小: %s",
			stats.TotalChecks, stats.StoriesDetected, stats.Completed, stats.Failed,
			model.FormatSize(stats.TotalSizeBytes)),
		Color: colorBlue,
	})
}

func (s *NotifyService) loop(ctx context.Context) {
	defer s.wg.Done()

	delay := time.Duration(s.cfg.MessageDelay * float64(time.Second))
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			s.deliver(ctx, msg)
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-s.stopCh:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
		}
	}
}

// deliver 带重试地发送单条消息
func (s *NotifyService) deliver(ctx context.Context, msg Message) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * 500 * time.Millisecond)
			select {
			case <-s.stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if lastErr = s.provider.Send(ctx, msg); lastErr == nil {
			s.mu.Lock()
			s.sent++
			s.mu.Unlock()
			return
		}
	}

	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
	s.logger.Errorf("通知发送失败，已放弃: %s: %v", msg.Title, lastErr)
}

// Stats 返回发送计数
func (s *NotifyService) Stats() (sent, dropped int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.dropped
}

func mediaLabel(t model.MediaType) string {
	if t == model.MediaVideo {
		return "视频"
	}
	return "图片"
}

// DiscordProvider 通过 Webhook 发送 Discord 嵌入消息
type DiscordProvider struct {
	webhookURL string
	http       *resty.Client
}

// NewDiscordProvider 创建 Discord 通知渠道
func NewDiscordProvider(webhookURL string, timeout time.Duration) *DiscordProvider {
	return &DiscordProvider{
		webhookURL: webhookURL,
		http:       resty.New().SetTimeout(timeout),
	}
}

func (p *DiscordProvider) Name() string { return "discord" }

func (p *DiscordProvider) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"embeds": []map[string]any{
			{
				"title":       msg.Title,
				"description": msg.Body,
				"color":       msg.Color,
				"timestamp":   time.Now().UTC().Format(time.RFC3339),
			},
		},
	}

	resp, err := p.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(p.webhookURL)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("Discord 返回状态码 %d", resp.StatusCode())
	}
	return nil
}

// TelegramProvider 通过 Bot API 发送 Telegram 消息
type TelegramProvider struct {
	token  string
	chatID string
	http   *resty.Client
}

// NewTelegramProvider 创建 Telegram 通知渠道
func NewTelegramProvider(token, chatID string, timeout time.Duration) *TelegramProvider {
	return &TelegramProvider{
		token:  token,
		chatID: chatID,
		http:   resty.New().SetBaseURL("https://api.telegram.org").SetTimeout(timeout),
	}
}

func (p *TelegramProvider) Name() string { return "telegram" }

func (p *TelegramProvider) Send(ctx context.Context, msg Message) error {
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":    p.chatID,
			"text":       fmt.Sprintf("*%s*\n%s", msg.Title, msg.Body),
			"parse_mode": "Markdown",
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", p.token))
	if err != nil {
		return err
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("Telegram 返回状态码 %d", resp.StatusCode())
	}
	return nil
}
