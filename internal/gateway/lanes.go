package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned when work is submitted after Close.
var ErrClosed = errors.New("gateway: closed")

// Lanes runs submitted work in FIFO order per key, with different keys in
// parallel. A lane's goroutine exits once its queue drains.
type Lanes struct {
	mu     sync.Mutex
	lanes  map[string][]func(context.Context)
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewLanes creates an empty set of lanes.
func NewLanes(logger *slog.Logger) *Lanes {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Lanes{
		lanes:  make(map[string][]func(context.Context)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Submit queues fn on key's lane, starting the lane if it is idle.
func (l *Lanes) Submit(key string, fn func(context.Context)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	queue, active := l.lanes[key]
	l.lanes[key] = append(queue, fn)
	if !active {
		l.wg.Add(1)
		go l.drain(key)
	}
	return nil
}

func (l *Lanes) drain(key string) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		queue := l.lanes[key]
		if len(queue) == 0 {
			delete(l.lanes, key)
			l.mu.Unlock()
			return
		}
		fn := queue[0]
		l.lanes[key] = queue[1:]
		l.mu.Unlock()

		l.run(key, fn)
	}
}

func (l *Lanes) run(key string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("lane work panicked", "chat", key, "panic", r)
		}
	}()
	fn(l.ctx)
}

// Active returns the number of lanes with queued or running work.
func (l *Lanes) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}

// Close rejects new work, cancels running work and waits for lanes to exit.
// Queued work still runs, with a cancelled context.
func (l *Lanes) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	l.wg.Wait()
}

// Wait blocks until every lane is idle. Work submitted meanwhile is waited for too.
func (l *Lanes) Wait() {
	l.wg.Wait()
}
