// Package reactor is a fine-grained reactive state-tracking runtime.
//
// Observed data lives in Object and Array containers. Reads made while a
// Watcher evaluates are recorded as dependencies; writes notify those
// watchers, which the Scheduler re-runs once per tick of the task queue.
//
//	rs := reactor.NewReactiveSystem(reactor.WithTaskQueue(q))
//	data := rs.Reactive(map[string]any{"a": 1, "b": 2})
//	w, _ := reactor.NewWatcher(rs, data, reactor.Func(func() (any, error) {
//	    return data.Get("a").(int) + data.Get("b").(int), nil
//	}), func(v, old any, w *reactor.Watcher) {
//	    log.Printf("sum %v -> %v", old, v)
//	}, reactor.WatcherOptions{})
//
// A ReactiveSystem is not safe for concurrent mutation: every read, write
// and flush must happen on the goroutine consuming its task queue.
package reactor

import (
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/delaneyj/reactor/pkg/taskqueue"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultMaxUpdateCount = 100

// TaskQueue is the asynchronous boundary flushes are scheduled on.
type TaskQueue interface {
	Post(task func())
}

type ReactiveSystem struct {
	lastID uint64

	// evaluation stack
	target      *Watcher
	targetStack []*Watcher

	scheduler *Scheduler
	factory   *ObserverFactory
	paths     *pathCache
	queue     TaskQueue

	// builtin is the queue created when no WithTaskQueue option is given.
	builtin *taskqueue.Queue

	logger  *slog.Logger
	errs    ErrorHandler
	onError OnErrorFunc
	metrics *metrics
}

type config struct {
	queue          TaskQueue
	logger         *slog.Logger
	errs           ErrorHandler
	onError        OnErrorFunc
	maxUpdateCount int
	registerer     prometheus.Registerer
	metrics        MetricsConfig
}

type Option func(*config)

func WithTaskQueue(q TaskQueue) Option {
	return func(c *config) {
		c.queue = q
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithErrorHandler replaces the default handler, which logs through the
// system logger.
func WithErrorHandler(h ErrorHandler) Option {
	return func(c *config) {
		c.errs = h
	}
}

// WithOnError registers a callback invoked for every error reported from a
// flush, in addition to the ErrorHandler.
func WithOnError(fn OnErrorFunc) Option {
	return func(c *config) {
		c.onError = fn
	}
}

// WithMaxUpdateCount bounds how many consecutive flush cycles a single
// watcher may be re-queued in before it is considered an infinite loop.
func WithMaxUpdateCount(n int) Option {
	return func(c *config) {
		c.maxUpdateCount = n
	}
}

// WithRegisterer registers the system's collectors with reg.
func WithRegisterer(reg prometheus.Registerer, opts ...MetricsOption) Option {
	return func(c *config) {
		c.registerer = reg
		for _, opt := range opts {
			opt(&c.metrics)
		}
	}
}

// NewReactiveSystem builds a system. Without WithTaskQueue, flushes are
// posted to a built-in queue returned by Queue; nothing runs until the
// caller drives it with Run, RunOnce or Drain on the goroutine that owns the
// system.
func NewReactiveSystem(opts ...Option) *ReactiveSystem {
	c := config{
		maxUpdateCount: DefaultMaxUpdateCount,
		metrics:        defaultMetricsConfig(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.errs == nil {
		c.errs = logErrorHandler{logger: c.logger}
	}
	var builtin *taskqueue.Queue
	if c.queue == nil {
		builtin = taskqueue.New()
		c.queue = builtin
	}
	if c.maxUpdateCount <= 0 {
		c.maxUpdateCount = DefaultMaxUpdateCount
	}

	rs := &ReactiveSystem{
		queue:   c.queue,
		builtin: builtin,
		logger:  c.logger,
		errs:    c.errs,
		onError: c.onError,
		metrics: newMetrics(c.metrics),
		paths:   newPathCache(),
	}
	rs.scheduler = newScheduler(rs, c.maxUpdateCount)
	rs.factory = &ObserverFactory{rs: rs}

	if c.registerer != nil {
		if err := rs.metrics.register(c.registerer); err != nil {
			rs.errs.Warn("metrics registration failed", "error", err)
		}
	}
	return rs
}

func (rs *ReactiveSystem) Scheduler() *Scheduler { return rs.scheduler }

func (rs *ReactiveSystem) Observers() *ObserverFactory { return rs.factory }

func (rs *ReactiveSystem) TaskQueue() TaskQueue { return rs.queue }

// Queue returns the built-in task queue, or nil when the system was given
// its own with WithTaskQueue.
func (rs *ReactiveSystem) Queue() *taskqueue.Queue { return rs.builtin }

func (rs *ReactiveSystem) Logger() *slog.Logger { return rs.logger }

func (rs *ReactiveSystem) ErrorHandler() ErrorHandler { return rs.errs }

// NextTick runs fn after the watchers queued in the current tick have been
// flushed.
func (rs *ReactiveSystem) NextTick(fn func()) {
	rs.scheduler.NextTick(fn)
}

// Reactive converts m into an Object and observes it.
func (rs *ReactiveSystem) Reactive(m map[string]any) *Object {
	obj := ObjectOf(m)
	rs.factory.Create(obj)
	return obj
}

// Watch creates a user watcher and returns the function that tears it down.
func (rs *ReactiveSystem) Watch(owner any, expr Expr, cb Callback, opts WatcherOptions) (unwatch func(), err error) {
	opts.User = true
	w, err := NewWatcher(rs, owner, expr, cb, opts)
	if err != nil {
		if w != nil {
			w.Teardown()
		}
		return func() {}, err
	}
	return w.Teardown, nil
}

// Current returns the watcher collecting dependencies, if any.
func (rs *ReactiveSystem) Current() *Watcher {
	return rs.target
}

// Depth reports how many evaluations are suspended beneath the current one.
func (rs *ReactiveSystem) Depth() int {
	return len(rs.targetStack)
}

func (rs *ReactiveSystem) pushTarget(w *Watcher) {
	rs.targetStack = append(rs.targetStack, rs.target)
	rs.target = w
}

func (rs *ReactiveSystem) popTarget() {
	last := len(rs.targetStack) - 1
	if last < 0 {
		panic(errors.AssertionFailedf("reactor: evaluation stack underflow"))
	}
	rs.target = rs.targetStack[last]
	rs.targetStack[last] = nil
	rs.targetStack = rs.targetStack[:last]
}

// Untrack runs fn without a current watcher, so reads inside it create no
// subscriptions.
func (rs *ReactiveSystem) Untrack(fn func()) {
	rs.pushTarget(nil)
	defer rs.popTarget()
	fn()
}

func (rs *ReactiveSystem) nextID() uint64 {
	rs.lastID++
	return rs.lastID
}

// reportError routes errors that have no caller to return to.
func (rs *ReactiveSystem) reportError(w *Watcher, err error) {
	rs.metrics.errors.Inc()
	if w != nil {
		rs.errs.Error("watcher failed", "watcher", w.String(), "id", w.ID(), "error", err)
	} else {
		rs.errs.Error("scheduled callback failed", "error", err)
	}
	if rs.onError != nil {
		rs.onError(w, err)
	}
}
