package history

import (
	"time"

	"story-vault/app/logger"

	gocache "github.com/patrickmn/go-cache"
)

// Ledger 去重账本，回答"这条动态是否已经处理过"。
// 条目按保留时长自动过期，防止无限增长。
type Ledger struct {
	logger    *logger.Logger
	cache     *gocache.Cache
	retention time.Duration
}

// New 创建去重账本，retention 为记录保留时长
func New(log *logger.Logger, retention time.Duration) *Ledger {
	// janitor 周期性清理过期条目，摊薄淘汰成本
	cleanupInterval := retention / 4
	if cleanupInterval < time.Minute {
		cleanupInterval = time.Minute
	}

	return &Ledger{
		logger:    log,
		cache:     gocache.New(retention, cleanupInterval),
		retention: retention,
	}
}

// Seen 该动态 ID 是否已被记录（检测过或已完成）
func (l *Ledger) Seen(storyID string) bool {
	_, found := l.cache.Get(storyID)
	return found
}

// MarkDetected 以原子检查并写入的方式登记检测记录。
// 返回 true 表示本次登记成功（之前未见过）；两个并发的
// 轮询看到同一条动态时只有一个会成功。
func (l *Ledger) MarkDetected(storyID string, at time.Time) bool {
	return l.cache.Add(storyID, at, gocache.DefaultExpiration) == nil
}

// MarkCompleted 标记下载完成并刷新保留期。
// 标记过完成的 ID 在保留期内不会再次入队。
func (l *Ledger) MarkCompleted(storyID string, at time.Time) {
	l.cache.Set(storyID, at, gocache.DefaultExpiration)
}

// Forget 移除一条记录，允许它被重新检测
func (l *Ledger) Forget(storyID string) {
	l.cache.Delete(storyID)
}

// EvictExpired 立即清理过期条目（定时任务调用，非每次查询）
func (l *Ledger) EvictExpired() {
	before := l.cache.ItemCount()
	l.cache.DeleteExpired()
	if removed := before - l.cache.ItemCount(); removed > 0 {
		l.logger.Debugf("清理了 %d 条过期的去重记录", removed)
	}
}

// Count 当前记录数
func (l *Ledger) Count() int {
	return l.cache.ItemCount()
}

// Warm 冷启动时从持久化记录回填，重建重启前的去重状态
func (l *Ledger) Warm(storyIDs []string, at time.Time) {
	for _, id := range storyIDs {
		l.cache.Set(id, at, gocache.DefaultExpiration)
	}
	if len(storyIDs) > 0 {
		l.logger.Infof("从历史记录回填了 %d 条去重记录", len(storyIDs))
	}
}
