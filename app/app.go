// Package app hosts reactive component instances: observed data, computed
// properties, methods, watchers and lifecycle hooks on top of a
// reactor.ReactiveSystem.
package app

import (
	"slices"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/delaneyj/reactor/reactor"
)

var (
	ErrInvalidOption  = errors.New("app: invalid option")
	ErrUnknownMethod  = errors.New("app: unknown method")
	ErrAlreadyMounted = errors.New("app: instance already mounted")
	ErrDestroyed      = errors.New("app: instance destroyed")
)

var lastUID atomic.Int64

type Instance struct {
	uid  int64
	rs   *reactor.ReactiveSystem
	opts Options

	data     *reactor.Object
	computed map[string]*reactor.Watcher
	watchers []*reactor.Watcher
	master   *reactor.Watcher

	mounted   bool
	destroyed bool
}

// New creates an instance, observing its data and installing its computed
// properties and watchers before the created hook runs.
func New(rs *reactor.ReactiveSystem, opts Options) (*Instance, error) {
	i := &Instance{
		uid:      lastUID.Add(1),
		rs:       rs,
		opts:     opts,
		computed: map[string]*reactor.Watcher{},
	}
	i.hook(HookBeforeCreate)

	i.data = rs.Reactive(opts.Data)
	if err := i.initComputed(); err != nil {
		i.teardown()
		return nil, err
	}
	if err := i.initWatch(); err != nil {
		i.teardown()
		return nil, err
	}

	i.hook(HookCreated)
	return i, nil
}

func (i *Instance) UID() int64 { return i.uid }

func (i *Instance) Data() *reactor.Object { return i.data }

func (i *Instance) System() *reactor.ReactiveSystem { return i.rs }

func (i *Instance) Mounted() bool { return i.mounted }

// Computed returns the lazy watcher backing a computed property.
func (i *Instance) Computed(name string) *reactor.Watcher { return i.computed[name] }

func (i *Instance) ComputedNames() []string { return sortedKeys(i.computed) }

func (i *Instance) Watchers() []*reactor.Watcher {
	return slices.Clone(i.watchers)
}

func (i *Instance) initComputed() error {
	for _, key := range sortedKeys(i.opts.Computed) {
		entry, err := toComputedEntry(i.opts.Computed[key])
		if err != nil {
			return errors.Wrapf(err, "computed %q", key)
		}
		if entry.Get == nil {
			return errors.Wrapf(ErrInvalidOption, "computed %q has no getter", key)
		}
		if _, ok := i.opts.Methods[key]; ok {
			i.rs.ErrorHandler().Warn("computed property shadows a method", "key", key)
		}
		if i.data.Has(key) {
			i.rs.ErrorHandler().Warn("computed property already defined in data", "key", key)
			continue
		}

		spec := reactor.ComputedSpec{
			Get: func() (any, error) { return entry.Get(i) },
		}
		if entry.Set != nil {
			spec.Set = func(v any) { entry.Set(i, v) }
		}
		if entry.Cache != nil && !*entry.Cache {
			spec.NoCache = true
		}
		w, err := reactor.DefineComputed(i.rs, i, i.data, key, spec)
		if err != nil {
			return errors.Wrapf(err, "computed %q", key)
		}
		i.computed[key] = w
	}
	return nil
}

func (i *Instance) initWatch() error {
	for _, key := range sortedKeys(i.opts.Watch) {
		entry, err := toWatchEntry(i.opts.Watch[key])
		if err != nil {
			return errors.Wrapf(err, "watch %q", key)
		}
		h, err := i.handler(entry.Handler)
		if err != nil {
			return errors.Wrapf(err, "watch %q", key)
		}
		if _, err := i.Watch(key, h, entry.WatcherOptions); err != nil {
			return errors.Wrapf(err, "watch %q", key)
		}
	}
	return nil
}

// handler resolves a watch handler, binding method names to the instance.
func (i *Instance) handler(v any) (Handler, error) {
	switch h := v.(type) {
	case Handler:
		return h, nil
	case func(i *Instance, newValue, oldValue any, w *reactor.Watcher):
		return h, nil
	case string:
		m, ok := i.opts.Methods[h]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownMethod, "%q", h)
		}
		return func(i *Instance, newValue, oldValue any, _ *reactor.Watcher) {
			if _, err := m(i, newValue, oldValue); err != nil {
				i.rs.ErrorHandler().Error("watch handler failed", "method", h, "error", err)
			}
		}, nil
	}
	return nil, errors.Wrapf(ErrInvalidOption, "handler of type %T", v)
}

// Watch watches expr, which is a dot path into the instance data, a getter
// or a reactor.Expr, and calls h whenever its value changes. The returned
// function stops watching.
func (i *Instance) Watch(expr any, h Handler, opts reactor.WatcherOptions) (unwatch func(), err error) {
	if i.destroyed {
		return func() {}, ErrDestroyed
	}
	var e reactor.Expr
	switch x := expr.(type) {
	case string:
		e = reactor.Path(x)
	case Getter:
		e = reactor.Func(func() (any, error) { return x(i) })
	case func(i *Instance) (any, error):
		e = reactor.Func(func() (any, error) { return x(i) })
	case reactor.Expr:
		e = x
	default:
		return func() {}, errors.Wrapf(ErrInvalidOption, "watch expression of type %T", expr)
	}

	var cb reactor.Callback
	if h != nil {
		cb = func(newValue, oldValue any, w *reactor.Watcher) {
			h(i, newValue, oldValue, w)
		}
	}
	opts.User = true
	w, err := reactor.NewWatcher(i.rs, i, e, cb, opts)
	if err != nil {
		if w != nil {
			w.Teardown()
		}
		return func() {}, err
	}
	i.watchers = append(i.watchers, w)

	return func() {
		w.Teardown()
		i.watchers = slices.DeleteFunc(i.watchers, func(x *reactor.Watcher) bool { return x == w })
	}, nil
}

// Mount runs the mount hooks and installs the master watcher that
// ForceUpdate re-runs.
func (i *Instance) Mount() error {
	if i.destroyed {
		return ErrDestroyed
	}
	if i.mounted {
		i.rs.ErrorHandler().Warn("instance is already mounted", "uid", i.uid)
		return ErrAlreadyMounted
	}

	i.hook(HookBeforeMount)
	i.hook(HookConfigure)

	master, err := reactor.NewWatcher(i.rs, i, reactor.NamedFunc("$forceUpdate", func() (any, error) {
		var err error
		// Callbacks of the re-run watchers must not subscribe the master.
		i.rs.Untrack(func() {
			for _, w := range i.Watchers() {
				err = errors.CombineErrors(err, w.Update())
			}
		})
		return nil, err
	}), nil, reactor.WatcherOptions{Name: "$master"})
	if err != nil {
		if master != nil {
			master.Teardown()
		}
		return err
	}
	i.master = master
	i.mounted = true

	i.hook(HookMounted)
	return nil
}

// ForceUpdate re-runs every watcher of a mounted instance now.
func (i *Instance) ForceUpdate() error {
	if i.master == nil {
		return nil
	}
	return i.master.Update()
}

func (i *Instance) NextTick(fn func()) {
	i.rs.NextTick(fn)
}

// Set assigns key on target, an observed Object or Array, notifying
// watchers of both the key and of the container's shape.
func (i *Instance) Set(target, key, value any) error {
	return i.rs.Observers().Set(target, key, value)
}

func (i *Instance) Delete(target, key any) error {
	return i.rs.Observers().Delete(target, key)
}

// Get reads a dot path from the instance data.
func (i *Instance) Get(path string) any {
	return i.data.GetPath(path)
}

// Call invokes a method bound to the instance.
func (i *Instance) Call(name string, args ...any) (any, error) {
	m, ok := i.opts.Methods[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMethod, "%q", name)
	}
	return m(i, args...)
}

// Destroy tears down every watcher the instance owns. It is idempotent.
func (i *Instance) Destroy() {
	if i.destroyed {
		return
	}
	i.hook(HookBeforeDestroy)
	i.teardown()
	i.hook(HookDestroyed)
}

// teardown stops every watcher the instance owns without running hooks.
func (i *Instance) teardown() {
	i.destroyed = true
	for _, w := range i.watchers {
		w.Teardown()
	}
	i.watchers = nil
	for _, w := range i.computed {
		w.Teardown()
	}
	if i.master != nil {
		i.master.Teardown()
		i.master = nil
	}
	i.mounted = false
}

func (i *Instance) hook(name string) {
	h, ok := i.opts.Hooks[name]
	if !ok || h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			i.rs.ErrorHandler().Error("hook panicked", "hook", name, "uid", i.uid, "panic", r)
		}
	}()
	h(i)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
