package reactor

import (
	"github.com/cockroachdb/errors"
)

// ComputedSpec describes a computed property.
type ComputedSpec struct {
	Get func() (any, error)
	// Set handles assignments to the property; nil ignores them.
	Set func(value any)
	// NoCache re-evaluates Get on every read instead of memoizing it.
	NoCache bool
}

// DefineComputed adds key to obj as an accessor backed by a lazy watcher.
// Reads return the memoized value; errors from Get are reported to the
// error handler and read as nil.
func DefineComputed(rs *ReactiveSystem, owner any, obj *Object, key string, spec ComputedSpec) (*Watcher, error) {
	if spec.Get == nil {
		return nil, errors.Wrapf(ErrInvalidKey, "computed %q has no getter", key)
	}
	if _, ok := obj.props[key]; ok {
		return nil, errors.Wrapf(ErrDuplicateKey, "computed %q", key)
	}

	w, err := NewWatcher(rs, owner, GetterSetter{Name: key, Get: spec.Get, Set: spec.Set}, nil, WatcherOptions{
		Lazy: true,
		Name: key,
	})
	if err != nil {
		return nil, err
	}

	getter := func() any {
		v, err := w.GetCachedValue()
		if err != nil {
			rs.reportError(w, err)
			return nil
		}
		return v
	}
	if spec.NoCache {
		getter = func() any {
			v, err := spec.Get()
			if err != nil {
				rs.reportError(w, err)
				return nil
			}
			return v
		}
	}

	setter := spec.Set
	if setter == nil {
		setter = func(any) {}
	}

	if err := obj.DefineAccessor(key, getter, setter); err != nil {
		w.Teardown()
		return nil, err
	}
	return w, nil
}

// Computed is a typed lazy value derived from reactive reads.
type Computed[T any] struct {
	w *Watcher
}

func NewComputed[T any](rs *ReactiveSystem, fn func() (T, error)) *Computed[T] {
	w, _ := NewWatcher(rs, nil, NamedFunc("computed", func() (any, error) {
		return fn()
	}), nil, WatcherOptions{Lazy: true})
	return &Computed[T]{w: w}
}

// Value returns the memoized value, recomputing it if a dependency changed.
func (c *Computed[T]) Value() (T, error) {
	var zero T
	v, err := c.w.GetCachedValue()
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.AssertionFailedf("computed value is %T", v)
	}
	return t, nil
}

func (c *Computed[T]) Watcher() *Watcher { return c.w }

func (c *Computed[T]) Stop() { c.w.Teardown() }
