package monitor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"story-vault/app/config"
	"story-vault/app/eventbus"
	"story-vault/app/history"
	"story-vault/app/instagram"
	"story-vault/app/logger"
	"story-vault/app/model"
	"story-vault/app/targets"
)

// SessionRefresher 会话刷新接口
type SessionRefresher interface {
	RefreshSession(ctx context.Context) error
}

// Stats 监控运行状态
type Stats struct {
	TotalChecks  int64     `json:"total_checks"`
	NewStories   int64     `json:"new_stories"`
	LastCheck    time.Time `json:"last_check"`
	LastError    string    `json:"last_error,omitempty"`
	CooldownETA  time.Time `json:"cooldown_eta,omitempty"`
	NextCheckETA time.Time `json:"next_check_eta,omitempty"`
}

// Monitor 周期性检测监控目标的新动态
type Monitor struct {
	logger    *logger.Logger
	cfg       config.MonitorConfig
	igCfg     config.InstagramConfig
	store     *targets.Store
	ledger    *history.Ledger
	bus       *eventbus.Bus
	refresher SessionRefresher

	aggregated Strategy
	perAccount Strategy

	// OnTick 每轮检测完成后调用，可选
	OnTick func()

	mu            sync.Mutex
	stats         Stats
	cooldownUntil time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New 创建监控器
func New(
	cfg config.MonitorConfig,
	igCfg config.InstagramConfig,
	api StoryAPI,
	refresher SessionRefresher,
	store *targets.Store,
	ledger *history.Ledger,
	bus *eventbus.Bus,
	log *logger.Logger,
) *Monitor {
	parser := NewParser(cfg)
	return &Monitor{
		logger:     log,
		cfg:        cfg,
		igCfg:      igCfg,
		store:      store,
		ledger:     ledger,
		bus:        bus,
		refresher:  refresher,
		aggregated: NewAggregatedStrategy(api, parser, log),
		perAccount: NewPerAccountStrategy(api, parser, store, igCfg, log),
	}
}

// Start 启动监控循环
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Infof("监控已启动，检测间隔 %d-%d 秒", m.cfg.CheckIntervalMin, m.cfg.CheckIntervalMax)
}

// Stop 停止监控循环并等待当前轮次结束
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Infof("监控已停止")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	m.Tick(ctx)
	for {
		interval := m.nextInterval()
		m.mu.Lock()
		m.stats.NextCheckETA = time.Now().Add(interval)
		m.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.Tick(ctx)
		}
	}
}

// nextInterval 随机化检测间隔，避免固定周期被识别
func (m *Monitor) nextInterval() time.Duration {
	min := m.cfg.CheckIntervalMin
	max := m.cfg.CheckIntervalMax
	sec := min
	if max > min {
		sec = min + rand.Intn(max-min)
	}
	return time.Duration(sec) * time.Second
}

// Tick 执行一轮检测: 先聚合检测，未覆盖的目标逐账号补查
func (m *Monitor) Tick(ctx context.Context) {
	list := m.store.Enabled()
	if len(list) == 0 {
		m.logger.Debugf("没有启用的监控目标，跳过本轮检测")
		return
	}

	m.mu.Lock()
	if time.Now().Before(m.cooldownUntil) {
		until := m.cooldownUntil
		m.mu.Unlock()
		m.logger.Warnf("限流冷却中，跳过本轮检测，%s 后恢复", time.Until(until).Round(time.Second))
		return
	}
	m.mu.Unlock()

	var stories []model.Story
	var accountErrs []AccountError

	result, err := m.aggregated.Detect(ctx, list)
	stories = append(stories, result.Stories...)
	accountErrs = append(accountErrs, result.Errors...)
	if err != nil {
		m.logger.Warnf("聚合检测失败，回退到逐账号检测: %v", err)
		m.handleAPIError(ctx, err)
	}

	missing := make([]model.TargetUser, 0, len(list))
	for _, t := range list {
		if !result.Covered[t.Username] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		fallback, err := m.perAccount.Detect(ctx, missing)
		stories = append(stories, fallback.Stories...)
		accountErrs = append(accountErrs, fallback.Errors...)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Errorf("逐账号检测中断: %v", err)
		}
	}

	for _, accErr := range accountErrs {
		m.logger.Errorf("%v", accErr)
		m.handleAPIError(ctx, accErr.Err)
		m.bus.Publish(eventbus.ChannelError, error(accErr))
	}

	newCount := m.publishNew(stories)

	m.mu.Lock()
	m.stats.TotalChecks++
	m.stats.NewStories += int64(newCount)
	m.stats.LastCheck = time.Now()
	if len(accountErrs) > 0 {
		m.stats.LastError = accountErrs[len(accountErrs)-1].Error()
	} else if err != nil {
		m.stats.LastError = err.Error()
	} else {
		m.stats.LastError = ""
	}
	m.mu.Unlock()

	if newCount > 0 {
		m.logger.Infof("本轮检测发现 %d 条新动态", newCount)
	}
	if m.OnTick != nil {
		m.OnTick()
	}
}

// publishNew 去重后发布新动态事件
func (m *Monitor) publishNew(stories []model.Story) int {
	now := time.Now()
	count := 0
	for _, story := range stories {
		if story.Expired(now) {
			continue
		}
		if !m.ledger.MarkDetected(story.ID, now) {
			continue
		}
		m.logger.Infof("检测到新动态: %s 的 %s (%s)", story.Username, story.ID, story.MediaType)
		m.bus.Publish(eventbus.ChannelDetected, story)
		count++
	}
	return count
}

// handleAPIError 处理会话过期和限流
func (m *Monitor) handleAPIError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, instagram.ErrAuthExpired):
		if m.refresher == nil {
			m.logger.Errorf("会话已过期且未配置登录服务")
			return
		}
		m.logger.Warnf("会话已过期，尝试刷新")
		if refreshErr := m.refresher.RefreshSession(ctx); refreshErr != nil {
			m.logger.Errorf("刷新会话失败: %v", refreshErr)
			m.bus.Publish(eventbus.ChannelError, refreshErr)
		} else {
			m.logger.Infof("会话刷新成功")
		}
	case errors.Is(err, instagram.ErrRateLimited):
		cooldown := time.Duration(m.igCfg.RateLimitCooldown) * time.Second
		m.mu.Lock()
		m.cooldownUntil = time.Now().Add(cooldown)
		m.stats.CooldownETA = m.cooldownUntil
		m.mu.Unlock()
		m.logger.Warnf("触发限流，冷却 %s", cooldown)
	}
}

// Stats 返回当前运行状态快照
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
