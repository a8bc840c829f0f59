package monitor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"story-vault/app/config"
	"story-vault/app/instagram"
	"story-vault/app/logger"
	"story-vault/app/model"
	"story-vault/app/targets"
)

// StoryAPI 动态查询接口
type StoryAPI interface {
	ReelsTray(ctx context.Context) ([]instagram.Reel, error)
	UserStories(ctx context.Context, userID int64) ([]instagram.ReelItem, error)
	ResolveUserID(ctx context.Context, username string) (int64, error)
}

// AccountError 单账号检测失败，不影响其他账号
type AccountError struct {
	Username string
	Err      error
}

func (e AccountError) Error() string {
	return fmt.Sprintf("账号 %s 检测失败: %v", e.Username, e.Err)
}

// Result 一次检测的结果
type Result struct {
	Stories []model.Story
	Covered map[string]bool
	Errors  []AccountError
}

// Strategy 动态检测策略
type Strategy interface {
	Name() string
	Detect(ctx context.Context, list []model.TargetUser) (Result, error)
}

// AggregatedStrategy 通过聚合接口一次请求覆盖所有有动态的账号
type AggregatedStrategy struct {
	logger *logger.Logger
	api    StoryAPI
	parser *Parser
}

// NewAggregatedStrategy 创建聚合检测策略
func NewAggregatedStrategy(api StoryAPI, parser *Parser, log *logger.Logger) *AggregatedStrategy {
	return &AggregatedStrategy{logger: log, api: api, parser: parser}
}

func (s *AggregatedStrategy) Name() string { return "aggregated" }

// Detect 拉取聚合动态流并过滤出监控目标
// 聚合接口只包含部分账号，未覆盖的目标需要逐账号补查
func (s *AggregatedStrategy) Detect(ctx context.Context, list []model.TargetUser) (Result, error) {
	result := Result{Covered: make(map[string]bool)}

	reels, err := s.api.ReelsTray(ctx)
	if err != nil {
		return result, fmt.Errorf("拉取聚合动态流失败: %w", err)
	}

	byUsername := make(map[string]model.TargetUser, len(list))
	for _, t := range list {
		byUsername[t.Username] = t
	}

	for _, reel := range reels {
		target, ok := byUsername[reel.User.Username]
		if !ok {
			continue
		}
		result.Covered[target.Username] = true
		for _, item := range reel.Items {
			if story, ok := s.parser.Parse(item, target); ok {
				result.Stories = append(result.Stories, story)
			}
		}
	}

	s.logger.Debugf("聚合检测覆盖 %d/%d 个目标", len(result.Covered), len(list))
	return result, nil
}

// PerAccountStrategy 逐账号检测，请求之间随机延迟
type PerAccountStrategy struct {
	logger *logger.Logger
	api    StoryAPI
	parser *Parser
	store  *targets.Store
	cfg    config.InstagramConfig
}

// NewPerAccountStrategy 创建逐账号检测策略
func NewPerAccountStrategy(api StoryAPI, parser *Parser, store *targets.Store, cfg config.InstagramConfig, log *logger.Logger) *PerAccountStrategy {
	return &PerAccountStrategy{
		logger: log,
		api:    api,
		parser: parser,
		store:  store,
		cfg:    cfg,
	}
}

func (s *PerAccountStrategy) Name() string { return "per_account" }

// Detect 按优先级逐个检查账号，单账号失败不中断整体
func (s *PerAccountStrategy) Detect(ctx context.Context, list []model.TargetUser) (Result, error) {
	result := Result{Covered: make(map[string]bool)}

	for i, target := range list {
		if i > 0 {
			if err := s.sleep(ctx); err != nil {
				return result, err
			}
		}

		stories, err := s.checkAccount(ctx, target)
		if err != nil {
			result.Errors = append(result.Errors, AccountError{Username: target.Username, Err: err})
			continue
		}
		result.Covered[target.Username] = true
		result.Stories = append(result.Stories, stories...)
	}

	return result, nil
}

func (s *PerAccountStrategy) checkAccount(ctx context.Context, target model.TargetUser) ([]model.Story, error) {
	userID := target.UserID
	if userID == 0 {
		resolved, err := s.api.ResolveUserID(ctx, target.Username)
		if err != nil {
			return nil, fmt.Errorf("解析用户 ID 失败: %w", err)
		}
		userID = resolved
		s.store.SetUserID(target.Username, resolved)
	}

	items, err := s.api.UserStories(ctx, userID)
	if err != nil {
		return nil, err
	}

	stories := make([]model.Story, 0, len(items))
	for _, item := range items {
		if story, ok := s.parser.Parse(item, target); ok {
			stories = append(stories, story)
		}
	}
	return stories, nil
}

// sleep 请求间随机延迟，降低被限流的概率
func (s *PerAccountStrategy) sleep(ctx context.Context) error {
	min := s.cfg.APIDelayMin
	max := s.cfg.APIDelayMax
	sec := min
	if max > min {
		sec = min + rand.Float64()*(max-min)
	}
	delay := time.Duration(sec * float64(time.Second))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
