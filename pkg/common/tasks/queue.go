// Package tasks runs deferred work off the request path on a fixed set of
// workers. Every accepted task runs at least once and failures are retried
// with bounded backoff; outcomes are logged and counted, never dropped
// silently.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomcorp/platform/pkg/common/logger"
	"github.com/randomcorp/platform/pkg/common/retry"
	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull   = errors.New("task queue full")
	ErrQueueClosed = errors.New("task queue closed")
)

type Task struct {
	Name   string
	Fields logrus.Fields
	Run    func(ctx context.Context) error
}

type Config struct {
	Workers   int
	QueueSize int
	Attempts  int
	BaseDelay time.Duration
	// Timeout bounds a single attempt.
	Timeout time.Duration
}

// Observer is told the final outcome of every task; err is nil on success.
type Observer func(task string, err error)

type Stats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Pending   int   `json:"pending"`
}

type Queue struct {
	cfg      Config
	ch       chan Task
	observer Observer

	mu      sync.RWMutex
	closed  bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

func NewQueue(cfg Config, observer Observer) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:      cfg,
		ch:       make(chan Task, cfg.QueueSize),
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Submit never blocks. A full queue is reported to the caller, who decides
// whether to do the work inline instead.
func (q *Queue) Submit(t Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.rejected.Add(1)
		return ErrQueueClosed
	}
	select {
	case q.ch <- t:
		return nil
	default:
		q.rejected.Add(1)
		logger.WithFields(t.Fields).WithField("task", t.Name).Warn("background task rejected, queue full")
		return ErrQueueFull
	}
}

// Stop stops accepting tasks and waits for queued ones to finish. If ctx
// ends first, in-flight attempts are cancelled and ctx's error returned.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	started := q.started
	q.mu.Unlock()

	if !started {
		// nobody will drain; run what was queued inline
		for t := range q.ch {
			q.run(t)
		}
		q.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) Stats() Stats {
	return Stats{
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Rejected:  q.rejected.Load(),
		Pending:   len(q.ch),
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for t := range q.ch {
		q.run(t)
	}
}

func (q *Queue) run(t Task) {
	log := logger.WithFields(t.Fields).WithField("task", t.Name)

	err := retry.Do(q.ctx, retry.Policy{
		Attempts:  q.cfg.Attempts,
		BaseDelay: q.cfg.BaseDelay,
		MaxDelay:  5 * time.Second,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Warn("background task failed, retrying")
		},
	}, func(int) error {
		return q.attempt(t)
	})

	if err != nil {
		q.failed.Add(1)
		log.WithError(err).Error("background task failed")
	} else {
		q.completed.Add(1)
		log.Debug("background task completed")
	}
	if q.observer != nil {
		q.observer(t.Name, err)
	}
}

func (q *Queue) attempt(t Task) (err error) {
	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	return t.Run(ctx)
}
