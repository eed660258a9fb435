package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrOutboxFull 出站队列已满，消息被丢弃（背压控制）
	ErrOutboxFull = errors.New("outbox full")
	// ErrConnClosed 连接已关闭
	ErrConnClosed = errors.New("connection closed")
)

const defaultOutboxCapacity = 256

// WriteFunc 把一条消息写到底层连接，只在出站队列的写协程中调用。
type WriteFunc func(msg *ServerMessage) error

// Outbox 单个连接的出站队列
//
// 所有发往该连接的消息都经过这里，由唯一的写协程按入队顺序写出，
// 因此同一连接内的投递顺序等于入队顺序。入队从不阻塞：队列满即丢弃。
type Outbox struct {
	connID string
	write  WriteFunc
	ch     chan *ServerMessage
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *logrus.Entry

	seq int64 // 只由写协程访问

	// 统计信息
	mu       sync.Mutex
	enqueued int64
	sent     int64
	dropped  int64
	failed   int64
}

// NewOutbox 创建出站队列并启动写协程
func NewOutbox(connID string, capacity int, write WriteFunc, logger *logrus.Entry) *Outbox {
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	o := &Outbox{
		connID: connID,
		write:  write,
		ch:     make(chan *ServerMessage, capacity),
		done:   make(chan struct{}),
		logger: logger,
	}

	o.wg.Add(1)
	go o.processLoop()
	return o
}

// Enqueue 将消息副本加入队列（非阻塞）
func (o *Outbox) Enqueue(msg ServerMessage) error {
	select {
	case <-o.done:
		return ErrConnClosed
	default:
	}

	select {
	case o.ch <- &msg:
		o.mu.Lock()
		o.enqueued++
		o.mu.Unlock()
		return nil
	default:
		o.mu.Lock()
		o.dropped++
		o.mu.Unlock()
		return ErrOutboxFull
	}
}

// processLoop 串行写出消息（单线程）
func (o *Outbox) processLoop() {
	defer o.wg.Done()

	for {
		select {
		case <-o.done:
			return
		case msg := <-o.ch:
			o.seq++
			msg.Seq = o.seq
			if msg.ServerTS.IsZero() {
				msg.ServerTS = time.Now().UTC()
			}

			start := time.Now()
			err := o.write(msg)

			o.mu.Lock()
			if err != nil {
				o.failed++
			} else {
				o.sent++
			}
			o.mu.Unlock()

			if err != nil {
				o.logger.WithError(err).WithFields(logrus.Fields{
					"type": msg.Type,
					"seq":  msg.Seq,
				}).Debug("Outbox write failed")
				continue
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				o.logger.WithFields(logrus.Fields{
					"type":    msg.Type,
					"elapsed": elapsed,
				}).Warn("Slow websocket write")
			}
		}
	}
}

// Close 停止写协程；未写出的消息直接丢弃（不做离线缓存）
func (o *Outbox) Close() {
	o.once.Do(func() {
		close(o.done)
		o.wg.Wait()

		stats := o.Stats()
		o.logger.WithFields(logrus.Fields{
			"enqueued": stats.Enqueued,
			"sent":     stats.Sent,
			"dropped":  stats.Dropped,
			"failed":   stats.Failed,
			"pending":  stats.Pending,
		}).Debug("Outbox closed")
	})
}

// OutboxStats 出站队列统计
type OutboxStats struct {
	Enqueued int64 `json:"enqueued"`
	Sent     int64 `json:"sent"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
	Pending  int   `json:"pending"`
	Capacity int   `json:"capacity"`
}

// Stats 获取统计信息
func (o *Outbox) Stats() OutboxStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OutboxStats{
		Enqueued: o.enqueued,
		Sent:     o.sent,
		Dropped:  o.dropped,
		Failed:   o.failed,
		Pending:  len(o.ch),
		Capacity: cap(o.ch),
	}
}
