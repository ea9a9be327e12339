package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventHandler 处理来自网关的事件（由会话控制器实现）
// 返回error表示处理失败，队列会记录但继续运行
type EventHandler func(ctx context.Context, event *Event) error

var (
	ErrQueueClosed = errors.New("event queue closed")
	ErrQueueFull   = errors.New("event queue full")
)

// EventQueue 为单个会话提供串行事件处理
// 转写、工具调用与断线事件按到达顺序交给处理器，处理器内部无需再考虑并发
type EventQueue struct {
	sessionID    string
	eventHandler EventHandler
	eventChan    chan *queuedEvent
	eventTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	closeOnce    sync.Once
	logger       *zap.Logger

	// 统计信息
	mu              sync.Mutex
	totalEvents     int64
	processedEvents int64
	droppedEvents   int64
}

type queuedEvent struct {
	event     *Event
	timestamp time.Time
	resultCh  chan error // 用于同步等待结果（可选）
}

const (
	// 队列容量：超过此值的事件将被丢弃（背压控制）
	defaultQueueCapacity = 100
	// 事件处理超时
	defaultEventTimeout = 10 * time.Second
	// 处理时间超过此值记录警告
	slowEventThreshold = 5 * time.Second
)

// NewEventQueue 创建事件队列并启动处理协程。capacity/timeout 为 0 时使用默认值。
func NewEventQueue(sessionID string, handler EventHandler, capacity int, timeout time.Duration, logger *zap.Logger) *EventQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if timeout <= 0 {
		timeout = defaultEventTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	eq := &EventQueue{
		sessionID:    sessionID,
		eventHandler: handler,
		eventChan:    make(chan *queuedEvent, capacity),
		eventTimeout: timeout,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.Named("event_queue").With(zap.String("session_id", sessionID)),
	}

	// 启动单线程事件处理器
	eq.wg.Add(1)
	go eq.processLoop()

	return eq
}

// Enqueue 将事件加入队列（异步，非阻塞）
func (eq *EventQueue) Enqueue(event *Event) error {
	select {
	case <-eq.ctx.Done():
		return ErrQueueClosed
	default:
	}

	queued := &queuedEvent{event: event, timestamp: time.Now()}

	select {
	case eq.eventChan <- queued:
		eq.mu.Lock()
		eq.totalEvents++
		eq.mu.Unlock()
		eq.logger.Debug("event enqueued", zap.String("type", string(event.Type)), zap.Int("queue_size", len(eq.eventChan)))
		return nil
	default:
		eq.mu.Lock()
		eq.droppedEvents++
		eq.mu.Unlock()
		eq.logger.Warn("queue full, dropping event", zap.String("type", string(event.Type)))
		return ErrQueueFull
	}
}

// EnqueueSync 将事件加入队列并等待处理完成（同步）
func (eq *EventQueue) EnqueueSync(event *Event) error {
	select {
	case <-eq.ctx.Done():
		return ErrQueueClosed
	default:
	}

	queued := &queuedEvent{
		event:     event,
		timestamp: time.Now(),
		resultCh:  make(chan error, 1),
	}

	timer := time.NewTimer(eq.eventTimeout)
	defer timer.Stop()

	select {
	case eq.eventChan <- queued:
		eq.mu.Lock()
		eq.totalEvents++
		eq.mu.Unlock()
	case <-timer.C:
		return errors.New("timeout enqueuing event")
	case <-eq.ctx.Done():
		return ErrQueueClosed
	}

	// 等待处理结果
	select {
	case err := <-queued.resultCh:
		return err
	case <-timer.C:
		return errors.New("timeout waiting for event processing")
	case <-eq.ctx.Done():
		return ErrQueueClosed
	}
}

// processLoop 串行处理事件（单线程）
func (eq *EventQueue) processLoop() {
	defer eq.wg.Done()

	for {
		select {
		case <-eq.ctx.Done():
			return
		case queued := <-eq.eventChan:
			if eq.ctx.Err() != nil {
				return
			}
			eq.processEvent(queued)
		}
	}
}

// processEvent 处理单个事件
func (eq *EventQueue) processEvent(queued *queuedEvent) {
	startTime := time.Now()
	eventType := string(queued.event.Type)

	ctx, cancel := context.WithTimeout(eq.ctx, eq.eventTimeout)
	defer cancel()

	err := eq.eventHandler(ctx, queued.event)
	processingTime := time.Since(startTime)

	if err != nil {
		eq.logger.Warn("event processing failed",
			zap.String("type", eventType),
			zap.Duration("queue_latency", startTime.Sub(queued.timestamp)),
			zap.Error(err))
	}

	eq.mu.Lock()
	eq.processedEvents++
	eq.mu.Unlock()

	if queued.resultCh != nil {
		queued.resultCh <- err
	}

	if processingTime > slowEventThreshold {
		eq.logger.Warn("slow event processing", zap.String("type", eventType), zap.Duration("processing_time", processingTime))
	}
}

// Close 停止处理协程并等待其退出。未处理的事件被丢弃。可重复调用。
// 不能在 EventHandler 内部调用，否则会等待自身。
func (eq *EventQueue) Close() error {
	eq.closeOnce.Do(func() {
		eq.cancel()
		eq.wg.Wait()

		eq.mu.Lock()
		defer eq.mu.Unlock()
		eq.logger.Debug("event queue closed",
			zap.Int64("total", eq.totalEvents),
			zap.Int64("processed", eq.processedEvents),
			zap.Int64("dropped", eq.droppedEvents),
			zap.Int("pending", len(eq.eventChan)))
	})
	return nil
}

// QueueStats 是队列统计信息
type QueueStats struct {
	SessionID       string `json:"session_id"`
	TotalEvents     int64  `json:"total_events"`
	ProcessedEvents int64  `json:"processed_events"`
	DroppedEvents   int64  `json:"dropped_events"`
	PendingEvents   int    `json:"pending_events"`
	QueueCapacity   int    `json:"queue_capacity"`
}

// Stats 获取队列统计信息
func (eq *EventQueue) Stats() QueueStats {
	eq.mu.Lock()
	defer eq.mu.Unlock()

	return QueueStats{
		SessionID:       eq.sessionID,
		TotalEvents:     eq.totalEvents,
		ProcessedEvents: eq.processedEvents,
		DroppedEvents:   eq.droppedEvents,
		PendingEvents:   len(eq.eventChan),
		QueueCapacity:   cap(eq.eventChan),
	}
}
