package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Mode selects how a command is delivered. Every dispatch names its mode
// explicitly; nothing is inferred from the call site.
type Mode int

const (
	// Async enqueues the command and returns immediately. Delivery is
	// at-least-once with no ordering guarantee across different commands.
	Async Mode = iota
	// Sync runs the handler in the caller's goroutine and blocks until it
	// finishes. Used where a follow-up step must observe the effect.
	Sync
)

func (m Mode) String() string {
	if m == Sync {
		return "sync"
	}
	return "async"
}

// Handler processes one command payload.
type Handler func(ctx context.Context, payload any) error

type queued struct {
	name    string
	payload any
}

// Queue is an in-process command queue with named handlers. It is the
// event/command pipeline of the workflow: asynchronous fan-out for
// notifications and completion checks, synchronous execution for deletions.
type Queue struct {
	Logger *log.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	ch       chan queued
	wg       sync.WaitGroup
	once     sync.Once
	done     chan struct{}
}

func NewQueue(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 256
	}
	return &Queue{
		handlers: map[string]Handler{},
		ch:       make(chan queued, buffer),
		done:     make(chan struct{}),
	}
}

func (q *Queue) logger() *log.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return log.Default()
}

// Register binds a handler to a command name. Re-registering replaces the
// previous handler.
func (q *Queue) Register(name string, h Handler) {
	q.mu.Lock()
	q.handlers[name] = h
	q.mu.Unlock()
}

func (q *Queue) handler(name string) (Handler, bool) {
	q.mu.RLock()
	h, ok := q.handlers[name]
	q.mu.RUnlock()
	return h, ok
}

// Start launches the background worker draining async commands.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case cmd := <-q.ch:
			q.deliver(context.Background(), cmd.name, cmd.payload)
		case <-q.done:
			// drain what is already enqueued
			for {
				select {
				case cmd := <-q.ch:
					q.deliver(context.Background(), cmd.name, cmd.payload)
				default:
					return
				}
			}
		}
	}
}

// Close stops the worker after draining pending commands.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
	q.wg.Wait()
}

// Dispatch delivers a command in the requested mode. Sync dispatch returns
// the handler's error; async dispatch returns nil once enqueued and logs
// handler failures when they eventually run.
func (q *Queue) Dispatch(ctx context.Context, mode Mode, name string, payload any) error {
	if mode == Sync {
		h, ok := q.handler(name)
		if !ok {
			return fmt.Errorf("pipeline: no handler for %s", name)
		}
		return h(ctx, payload)
	}
	select {
	case q.ch <- queued{name: name, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) deliver(ctx context.Context, name string, payload any) {
	h, ok := q.handler(name)
	if !ok {
		q.logger().Printf("pipeline: dropping command %s: no handler registered", name)
		return
	}
	if err := h(ctx, payload); err != nil {
		q.logger().Printf("pipeline: command %s failed: %v", name, err)
	}
}
