package reactor

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Callback receives the new and previous value of a watcher.
type Callback func(newValue, oldValue any, w *Watcher)

type WatcherOptions struct {
	// Lazy watchers are computed values: invalidation only marks them dirty
	// and GetCachedValue recomputes on demand.
	Lazy bool `mapstructure:"lazy" yaml:"lazy"`
	// User watchers were created by application code; panics in their
	// callbacks are recovered and reported instead of propagating.
	User bool `mapstructure:"user" yaml:"user"`
	// Immediate invokes the callback with the initial value on construction.
	Immediate bool `mapstructure:"immediate" yaml:"immediate"`
	// Always fires the callback after every re-evaluation, even when the
	// value compares equal.
	Always bool `mapstructure:"always" yaml:"always"`
	// Name labels the watcher in logs; defaults to the expression.
	Name string `mapstructure:"name" yaml:"name"`
}

// Watcher is a tracked expression, the dependencies its last evaluation
// read, and the callback to run when its value changes.
type Watcher struct {
	id    uint64
	rs    *ReactiveSystem
	owner any
	expr  Expr
	cb    Callback
	opts  WatcherOptions

	value  any
	dirty  bool
	active bool

	// deps is the subscription set of the last completed evaluation;
	// newDeps is being collected by the evaluation in progress.
	deps    mapset.Set[*Dependency]
	newDeps mapset.Set[*Dependency]
}

// NewWatcher builds a watcher of expr on behalf of owner. Eager watchers are
// evaluated immediately; an evaluation error is returned together with the
// watcher, which stays subscribed to whatever it read before failing.
func NewWatcher(rs *ReactiveSystem, owner any, expr Expr, cb Callback, opts WatcherOptions) (*Watcher, error) {
	if p, ok := expr.(PathExpr); ok {
		parsed, err := rs.paths.parse(p.raw)
		if err != nil {
			return nil, err
		}
		expr = parsed
	}

	w := &Watcher{
		id:      rs.nextID(),
		rs:      rs,
		owner:   owner,
		expr:    expr,
		cb:      cb,
		opts:    opts,
		dirty:   opts.Lazy,
		active:  true,
		deps:    mapset.NewThreadUnsafeSet[*Dependency](),
		newDeps: mapset.NewThreadUnsafeSet[*Dependency](),
	}
	rs.metrics.activeWatchers.Inc()

	if opts.Lazy {
		return w, nil
	}

	value, err := w.Get()
	if err != nil {
		return w, err
	}
	w.value = value
	if opts.Immediate {
		w.invoke(value, nil)
	}
	return w, nil
}

func (w *Watcher) ID() uint64 { return w.id }

func (w *Watcher) Owner() any { return w.owner }

func (w *Watcher) Expr() Expr { return w.expr }

func (w *Watcher) Lazy() bool { return w.opts.Lazy }

func (w *Watcher) Dirty() bool { return w.dirty }

func (w *Watcher) Active() bool { return w.active }

// Value returns the cached value without evaluating.
func (w *Watcher) Value() any { return w.value }

func (w *Watcher) String() string {
	if w.opts.Name != "" {
		return w.opts.Name
	}
	return w.expr.String()
}

// Dependencies returns the dependencies of the last evaluation.
func (w *Watcher) Dependencies() []*Dependency {
	return w.deps.ToSlice()
}

// Get evaluates the expression with w as the current watcher and replaces
// the dependency set with exactly what this evaluation read. The evaluation
// stack is restored even when the expression fails or panics.
func (w *Watcher) Get() (value any, err error) {
	w.rs.pushTarget(w)
	defer func() {
		w.rs.popTarget()
		w.cleanupDeps()
	}()

	mode := "eager"
	if w.opts.Lazy {
		mode = "lazy"
	}
	w.rs.metrics.watcherRuns.WithLabelValues(mode).Inc()

	value, err = w.expr.evaluate(w)
	if err != nil {
		return nil, &EvaluationError{Watcher: w, Expr: w.expr.String(), Err: err}
	}
	return value, nil
}

func (w *Watcher) addDep(d *Dependency) {
	if !w.active {
		return
	}
	if w.newDeps.Add(d) && !w.deps.Contains(d) {
		d.addSub(w)
	}
}

// cleanupDeps swaps newDeps in and unsubscribes from every dependency the
// last evaluation no longer read.
func (w *Watcher) cleanupDeps() {
	if !w.active {
		// torn down mid-evaluation
		w.newDeps.Each(func(d *Dependency) bool {
			d.removeSub(w)
			return false
		})
		w.newDeps.Clear()
		w.deps.Clear()
		return
	}

	w.deps.Each(func(d *Dependency) bool {
		if !w.newDeps.Contains(d) {
			d.removeSub(w)
		}
		return false
	})
	w.deps, w.newDeps = w.newDeps, w.deps
	w.newDeps.Clear()
}

// notify is called by a dependency whose value changed.
func (w *Watcher) notify() {
	if !w.active {
		return
	}
	if w.opts.Lazy {
		w.dirty = true
		return
	}
	w.rs.scheduler.QueueWatcher(w)
}

// Update re-runs an eager watcher now, or marks a lazy one dirty. Torn down
// watchers ignore it.
func (w *Watcher) Update() error {
	if !w.active {
		return nil
	}
	if w.opts.Lazy {
		w.dirty = true
		return nil
	}
	return w.run()
}

func (w *Watcher) run() error {
	value, err := w.Get()
	if err != nil {
		return err
	}
	if !w.active {
		return nil
	}
	// Containers fire even when identical since they may have been mutated
	// in place.
	if !sameValue(value, w.value) || isContainer(value) || w.opts.Always {
		oldValue := w.value
		w.value = value
		w.invoke(value, oldValue)
	}
	return nil
}

func (w *Watcher) invoke(value, oldValue any) {
	if w.cb == nil {
		return
	}
	if !w.opts.User {
		w.cb(value, oldValue, w)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.rs.reportError(w, &CallbackError{Watcher: w, Value: r})
		}
	}()
	w.cb(value, oldValue, w)
}

// GetCachedValue returns a lazy watcher's value, evaluating it only if a
// dependency changed since the last evaluation. Called during another
// watcher's evaluation, it also makes that watcher depend on everything this
// one depends on. Eager watchers return their last value.
func (w *Watcher) GetCachedValue() (any, error) {
	if !w.opts.Lazy {
		return w.value, nil
	}
	if w.dirty && w.active {
		value, err := w.Get()
		if err != nil {
			return nil, err
		}
		w.value = value
		w.dirty = false
	}
	if w.rs.target != nil {
		w.Depend()
	}
	return w.value, nil
}

// Depend registers all of w's dependencies on the current watcher.
func (w *Watcher) Depend() {
	w.deps.Each(func(d *Dependency) bool {
		d.Depend()
		return false
	})
}

// Teardown unsubscribes w from every dependency. It is idempotent, safe to
// call from w's own callback, and turns any pending scheduled update into a
// no-op.
func (w *Watcher) Teardown() {
	if !w.active {
		return
	}
	w.active = false
	w.deps.Each(func(d *Dependency) bool {
		d.removeSub(w)
		return false
	})
	w.deps.Clear()
	w.rs.metrics.activeWatchers.Dec()
	w.rs.logger.Debug("watcher torn down", "watcher", w.String(), "id", w.id)
}
