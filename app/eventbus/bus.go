package eventbus

import (
	"fmt"
	"sync"
	"time"

	"story-vault/app/logger"
)

// Channel 事件通道名称
type Channel string

const (
	ChannelDetected          Channel = "detected"           // 检测到新动态，载荷为 model.Story
	ChannelDownloadCompleted Channel = "download_completed" // 下载成功，载荷为 *model.DownloadTask
	ChannelDownloadFailed    Channel = "download_failed"    // 下载失败，载荷为 *model.DownloadTask
	ChannelError             Channel = "error"              // 运行错误，载荷为 error
)

// Event 一条发布到总线的事件
type Event struct {
	Channel Channel
	Payload any
	At      time.Time
}

// Handler 事件处理函数
type Handler func(Event)

type subscriber struct {
	name string
	fn   Handler
}

// Bus 进程内的发布订阅总线。
// 同一通道内按发布顺序依次投递给所有订阅者；订阅者的 panic
// 被捕获并记录，不会影响发布方和其他订阅者；通道之间无顺序保证。
type Bus struct {
	logger  *logger.Logger
	bufSize int

	mu          sync.Mutex
	subscribers map[Channel][]subscriber
	queues      map[Channel]chan Event
	closed      bool
	publishing  sync.WaitGroup // 正在投递中的发布方
	wg          sync.WaitGroup
}

// New 创建事件总线，bufSize 为每个通道的积压容量
func New(log *logger.Logger, bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		logger:      log,
		bufSize:     bufSize,
		subscribers: make(map[Channel][]subscriber),
		queues:      make(map[Channel]chan Event),
	}
}

// Subscribe 在指定通道注册订阅者，name 仅用于日志定位
func (b *Bus) Subscribe(ch Channel, name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.logger.Warnf("总线已关闭，忽略订阅: %s -> %s", name, ch)
		return
	}

	b.subscribers[ch] = append(b.subscribers[ch], subscriber{name: name, fn: fn})
	if _, ok := b.queues[ch]; !ok {
		b.startDispatcher(ch)
	}
}

// startDispatcher 为通道启动投递协程，调用方必须持有锁
func (b *Bus) startDispatcher(ch Channel) {
	queue := make(chan Event, b.bufSize)
	b.queues[ch] = queue

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range queue {
			b.dispatch(ev)
		}
	}()
}

// dispatch 把事件依次交给当前的全部订阅者
func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	subs := make([]subscriber, len(b.subscribers[ev.Channel]))
	copy(subs, b.subscribers[ev.Channel])
	b.mu.Unlock()

	for _, sub := range subs {
		b.invoke(ev, sub)
	}
}

// invoke 调用单个订阅者并隔离其 panic
func (b *Bus) invoke(ev Event, sub subscriber) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("订阅者 %s 处理 %s 事件时 panic: %v", sub.name, ev.Channel, r)
		}
	}()
	sub.fn(ev)
}

// Publish 发布事件。没有订阅者的通道直接丢弃；
// 队列满时阻塞等待，形成背压而不是丢事件。
func (b *Bus) Publish(ch Channel, payload any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("事件总线已关闭")
	}
	queue, ok := b.queues[ch]
	if ok {
		b.publishing.Add(1)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	defer b.publishing.Done()

	queue <- Event{Channel: ch, Payload: payload, At: time.Now()}
	return nil
}

// Close 关闭总线，等待所有积压事件投递完成
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	// 等在途的发布完成后再关闭队列，避免向已关闭的通道发送
	b.publishing.Wait()

	b.mu.Lock()
	for _, queue := range b.queues {
		close(queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
