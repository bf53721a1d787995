// Package queue serializes all traffic to one device through a single worker
// goroutine that owns the device's connection and walks the recovery ladder
// when an operation fails.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fbettag/kasa-web-controller/internal/connection"
	"github.com/fbettag/kasa-web-controller/internal/device"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var ErrClosed = errors.New("queue closed")

type State int32

const (
	Idle State = iota
	Connected
	Executing
	Recovering
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connected:
		return "connected"
	case Executing:
		return "executing"
	case Recovering:
		return "recovering"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Op int

const (
	OpControl Op = iota
	OpProbe
	OpRefresh
)

func (o Op) String() string {
	switch o {
	case OpControl:
		return "control"
	case OpProbe:
		return "probe"
	case OpRefresh:
		return "refresh"
	}
	return "unknown"
}

type Config struct {
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	CommandInterval   time.Duration `mapstructure:"command_interval"`
	StepTimeout       time.Duration `mapstructure:"step_timeout"`
	LadderTimeout     time.Duration `mapstructure:"ladder_timeout"`
	ConnectAttempts   int           `mapstructure:"connect_attempts"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:       30 * time.Second,
		CommandInterval:   500 * time.Millisecond,
		StepTimeout:       10 * time.Second,
		LadderTimeout:     30 * time.Second,
		ConnectAttempts:   3,
		ConnectRetryDelay: 500 * time.Millisecond,
	}
}

// Store is the cache the queue reports results into.
type Store interface {
	Get(id string) (device.State, bool)
	Update(id string, fn func(*device.State)) device.State
}

// Rediscoverer locates a device that no longer answers at its cached address.
// An empty address with a nil error means the device was not seen.
type Rediscoverer interface {
	Rediscover(ctx context.Context, entry device.Entry) (string, error)
}

type request struct {
	ctx   context.Context
	op    Op
	cmd   device.Command
	reply chan result
}

type result struct {
	state device.State
	err   error
}

type Queue struct {
	entry     device.Entry
	cfg       Config
	transport connection.Transport
	store     Store
	finder    Rediscoverer
	limiter   *rate.Limiter
	log       *logrus.Entry

	requests  chan *request
	done      chan struct{}
	closeOnce sync.Once
	exited    chan struct{}

	state   atomic.Int32
	pending atomic.Int32

	// owned by the worker goroutine
	handle connection.Handle
	addr   string
}

func New(entry device.Entry, t connection.Transport, store Store, finder Rediscoverer, cfg Config, logger *logrus.Logger) *Queue {
	q := &Queue{
		entry:     entry,
		cfg:       cfg,
		transport: t,
		store:     store,
		finder:    finder,
		log: logger.WithFields(logrus.Fields{
			"device": entry.ID,
			"name":   entry.Name,
		}),
		requests: make(chan *request, 64),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	if cfg.CommandInterval > 0 {
		q.limiter = rate.NewLimiter(rate.Every(cfg.CommandInterval), 1)
	}
	return q
}

func (q *Queue) Entry() device.Entry {
	return q.entry
}

// State returns the worker's current FSM state.
func (q *Queue) State() State {
	return State(q.state.Load())
}

// Pending returns the number of requests accepted but not yet started.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Busy reports whether the worker is running or about to run an operation.
func (q *Queue) Busy() bool {
	s := q.State()
	return q.Pending() > 0 || s == Executing || s == Recovering
}

func (q *Queue) setState(s State) {
	q.state.Store(int32(s))
}

// Close stops the worker. Requests still queued are answered with ErrClosed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Done is closed once the worker has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.exited
}

// Submit enqueues an operation and waits for its terminal result.
// If ctx ends first the caller gets ErrQueueTimeout and the request, if not
// yet started, is dropped by the worker.
func (q *Queue) Submit(ctx context.Context, op Op, cmd device.Command) (device.State, error) {
	req := &request{ctx: ctx, op: op, cmd: cmd, reply: make(chan result, 1)}

	q.pending.Add(1)
	select {
	case q.requests <- req:
	case <-q.done:
		q.pending.Add(-1)
		return q.current(), ErrClosed
	case <-ctx.Done():
		q.pending.Add(-1)
		return q.current(), fmt.Errorf("%w: %v", device.ErrQueueTimeout, ctx.Err())
	}

	select {
	case res := <-req.reply:
		return res.state, res.err
	case <-ctx.Done():
		return q.current(), fmt.Errorf("%w: %v", device.ErrQueueTimeout, ctx.Err())
	case <-q.exited:
		return q.current(), ErrClosed
	}
}

func (q *Queue) current() device.State {
	s, _ := q.store.Get(q.entry.ID)
	return s
}

// Run processes requests in arrival order until ctx ends or Close is called.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.exited)
	defer q.disconnect()

	idle := time.NewTimer(q.cfg.IdleTimeout)
	idle.Stop()
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			q.drain()
			return
		case <-q.done:
			q.drain()
			return
		case <-idle.C:
			if len(q.requests) == 0 && q.handle != nil {
				q.log.Debug("Closing idle connection")
				q.disconnect()
			}
		case req := <-q.requests:
			q.pending.Add(-1)
			idle.Stop()
			q.process(ctx, req)
			if q.handle != nil {
				idle.Reset(q.cfg.IdleTimeout)
			}
		}
	}
}

func (q *Queue) drain() {
	for {
		select {
		case req := <-q.requests:
			q.pending.Add(-1)
			req.reply <- result{state: q.current(), err: ErrClosed}
		default:
			return
		}
	}
}

func (q *Queue) disconnect() {
	if q.handle == nil {
		return
	}
	if err := q.handle.Close(); err != nil {
		q.log.Debugf("Close failed: %v", err)
	}
	q.handle = nil
	q.addr = ""
	q.setState(Idle)
}

func (q *Queue) process(ctx context.Context, req *request) {
	if err := req.ctx.Err(); err != nil {
		q.log.Debugf("Skipping %s %s: caller gave up", req.op, req.cmd.ID)
		req.reply <- result{state: q.current(), err: fmt.Errorf("%w: %v", device.ErrQueueTimeout, err)}
		return
	}

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			req.reply <- result{state: q.current(), err: ErrClosed}
			return
		}
		if err := req.ctx.Err(); err != nil {
			req.reply <- result{state: q.current(), err: fmt.Errorf("%w: %v", device.ErrQueueTimeout, err)}
			return
		}
	}

	lctx, cancel := context.WithTimeout(ctx, q.cfg.LadderTimeout)
	defer cancel()

	state, err := q.ladder(lctx, req)
	if err != nil && ctx.Err() != nil {
		err = ErrClosed
	}
	if q.handle != nil {
		q.setState(Connected)
	} else {
		q.setState(Idle)
	}
	req.reply <- result{state: state, err: err}
}
