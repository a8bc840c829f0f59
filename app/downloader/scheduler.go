package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"story-vault/app/config"
	"story-vault/app/eventbus"
	"story-vault/app/history"
	"story-vault/app/logger"
	"story-vault/app/model"
	dlutil "story-vault/app/utils/downloader"
	"story-vault/app/utils/pathhelper"
)

// Fetcher 媒体抓取接口
type Fetcher interface {
	Fetch(ctx context.Context, url, destPath string) (int64, error)
}

// permanentError 不可重试的失败
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Stats 调度器运行状态
type Stats struct {
	Queued     int   `json:"queued"`
	Active     int   `json:"active"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	TotalBytes int64 `json:"total_bytes"`
}

// Scheduler 下载任务调度器，带并发上限和指数退避重试
type Scheduler struct {
	logger  *logger.Logger
	cfg     config.DownloadConfig
	bus     *eventbus.Bus
	ledger  *history.Ledger
	fetcher Fetcher

	queue   chan *model.DownloadTask
	workers chan struct{}
	stopCh  chan struct{}

	mu        sync.Mutex
	closed    bool
	active    int
	completed int64
	failed    int64
	bytes     int64

	cancel     context.CancelFunc
	dispatchWg sync.WaitGroup
	workerWg   sync.WaitGroup
}

// NewScheduler 创建调度器
func NewScheduler(cfg config.DownloadConfig, fetcher Fetcher, ledger *history.Ledger, bus *eventbus.Bus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		logger:  log,
		cfg:     cfg,
		bus:     bus,
		ledger:  ledger,
		fetcher: fetcher,
		queue:   make(chan *model.DownloadTask, cfg.QueueSize),
		workers: make(chan struct{}, cfg.MaxConcurrent),
		stopCh:  make(chan struct{}),
	}
}

// Start 启动调度循环并订阅新动态事件
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.bus.Subscribe(eventbus.ChannelDetected, "download_scheduler", func(event eventbus.Event) {
		story, ok := event.Payload.(model.Story)
		if !ok {
			return
		}
		s.Enqueue(story)
	})

	s.dispatchWg.Add(1)
	go s.dispatch(ctx)

	s.logger.Infof("下载调度器已启动，并发上限 %d，队列容量 %d", s.cfg.MaxConcurrent, s.cfg.QueueSize)
}

// Enqueue 把动态加入下载队列，队列满时阻塞
func (s *Scheduler) Enqueue(story model.Story) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warnf("调度器已关闭，丢弃任务: %s", story.ID)
		return
	}
	s.mu.Unlock()

	task := model.NewDownloadTask(story)
	select {
	case s.queue <- task:
	case <-s.stopCh:
		s.logger.Warnf("调度器关闭中，丢弃任务: %s", story.ID)
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	defer s.dispatchWg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			select {
			case s.workers <- struct{}{}:
			case <-s.stopCh:
				return
			}

			s.mu.Lock()
			s.active++
			s.mu.Unlock()

			s.workerWg.Add(1)
			go func(t *model.DownloadTask) {
				defer func() {
					<-s.workers
					s.mu.Lock()
					s.active--
					s.mu.Unlock()
					s.workerWg.Done()
				}()
				s.run(ctx, t)
			}(task)
		}
	}
}

// run 执行任务直到成功或放弃，无论结果都会发布终态事件
func (s *Scheduler) run(ctx context.Context, task *model.DownloadTask) {
	for {
		task.SetInProgress()
		outputPath, bytes, err := s.attempt(ctx, task)
		if err == nil {
			task.SetCompleted(outputPath, bytes)
			s.ledger.MarkCompleted(task.Story.ID, time.Now())

			s.mu.Lock()
			s.completed++
			s.bytes += bytes
			s.mu.Unlock()

			s.logger.Infof("下载完成: %s (%s)", outputPath, model.FormatSize(bytes))
			s.bus.Publish(eventbus.ChannelDownloadCompleted, task)
			return
		}

		var perm *permanentError
		if errors.As(err, &perm) || errors.Is(err, context.Canceled) || !task.CanRetry(s.cfg.MaxRetries) {
			task.SetFailed(err)

			s.mu.Lock()
			s.failed++
			s.mu.Unlock()

			s.logger.Errorf("下载失败，不再重试: %s 的 %s: %v", task.Story.Username, task.Story.ID, err)
			s.bus.Publish(eventbus.ChannelDownloadFailed, task)
			return
		}

		task.RecordAttemptFailure(err)
		backoff := s.backoff(task.Attempt)
		s.logger.Warnf("下载失败，%s 后重试 (第 %d/%d 次): %s: %v",
			backoff, task.Attempt, s.cfg.MaxRetries, task.Story.ID, err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			task.SetFailed(ctx.Err())
			s.mu.Lock()
			s.failed++
			s.mu.Unlock()
			s.bus.Publish(eventbus.ChannelDownloadFailed, task)
			return
		case <-timer.C:
		}
	}
}

// attempt 单次下载尝试
func (s *Scheduler) attempt(ctx context.Context, task *model.DownloadTask) (string, int64, error) {
	mediaURL := task.Story.MediaURL()
	if err := s.validateURL(mediaURL); err != nil {
		return "", 0, &permanentError{err: err}
	}

	outputPath := pathhelper.OutputPath(s.cfg.OutputDir, task.Story)
	if info, err := os.Stat(outputPath); err == nil {
		s.logger.Debugf("文件已存在，跳过下载: %s", outputPath)
		return outputPath, info.Size(), nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.Timeout)*time.Second)
	defer cancel()

	written, err := s.fetcher.Fetch(attemptCtx, mediaURL, outputPath)
	if err != nil {
		// 磁盘空间不足时直接终止任务，等待后续轮次重新检测
		if errors.Is(err, dlutil.ErrDiskFull) {
			return "", 0, &permanentError{err: err}
		}
		var httpErr *dlutil.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
			return "", 0, &permanentError{err: err}
		}
		return "", 0, err
	}
	return outputPath, written, nil
}

// validateURL 只允许 HTTPS 且域名在许可列表内
func (s *Scheduler) validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("任务没有媒体地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("媒体地址无效: %w", err)
	}
	if parsed.Scheme != "https" {
		return fmt.Errorf("拒绝非 HTTPS 地址: %s", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	for _, domain := range s.cfg.AllowedDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return nil
		}
	}
	return fmt.Errorf("域名不在许可列表内: %s", host)
}

// backoff 指数退避延迟，封顶于最大延迟
func (s *Scheduler) backoff(attempt int) time.Duration {
	delay := time.Duration(s.cfg.RetryBaseDelay) * time.Second
	max := time.Duration(s.cfg.RetryMaxDelay) * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		delay = max
	}
	return delay
}

// Stop 停止调度，等待进行中的任务在宽限期内完成
// 已入队但未开始的任务直接丢弃，不发布事件
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	s.dispatchWg.Wait()

	done := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Duration(s.cfg.ShutdownGrace) * time.Second):
		s.logger.Warnf("关闭宽限期已到，取消进行中的下载")
		s.cancel()
		<-done
	}

	s.logger.Infof("下载调度器已停止")
}

// StatsSnapshot 返回当前运行状态
func (s *Scheduler) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Queued:     len(s.queue),
		Active:     s.active,
		Completed:  s.completed,
		Failed:     s.failed,
		TotalBytes: s.bytes,
	}
}
