package reactor

import (
	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
)

// Observer is attached to an Object or Array exactly once. Its dependency is
// the container-level one: it fires when keys are added or removed, or when
// an array is mutated.
type Observer struct {
	rs    *ReactiveSystem
	value any
	path  string
	dep   *Dependency
}

func (ob *Observer) Dep() *Dependency { return ob.dep }

// Value returns the observed *Object or *Array.
func (ob *Observer) Value() any { return ob.value }

// Path is the property path the container was first observed at; empty for
// a root.
func (ob *Observer) Path() string { return ob.path }

func (ob *Observer) childPath(key string) string {
	if ob.path == "" {
		return key
	}
	if key == "[]" {
		return ob.path + key
	}
	return ob.path + "." + key
}

// observeChild observes a value newly assigned under key.
func (ob *Observer) observeChild(key string, value any) {
	if !isContainer(value) {
		return
	}
	ob.rs.factory.observe(value, ob.childPath(key), mapset.NewThreadUnsafeSet[any]())
}

func observerOf(v any) *Observer {
	switch x := v.(type) {
	case *Object:
		return x.ob
	case *Array:
		return x.ob
	}
	return nil
}

// ObserverFactory attaches observers to data roots and provides the
// mutation primitives for keys that did not exist at observation time.
type ObserverFactory struct {
	rs *ReactiveSystem
}

// Create observes data and everything reachable from it. It returns nil when
// data is not an *Object or *Array, and the existing observer when data is
// already observed.
func (f *ObserverFactory) Create(data any) *Observer {
	return f.observe(data, "", mapset.NewThreadUnsafeSet[any]())
}

func (f *ObserverFactory) newObserver(value any, path string) *Observer {
	label := path
	if label == "" {
		label = "$"
	}
	return &Observer{
		rs:    f.rs,
		value: value,
		path:  path,
		dep:   newDependency(f.rs, label),
	}
}

// observe walks data depth first. The marker is set before descending and
// visited guards the walk itself, so cyclic structures terminate.
func (f *ObserverFactory) observe(data any, path string, visited mapset.Set[any]) *Observer {
	switch v := data.(type) {
	case *Object:
		if v.ob != nil {
			return v.ob
		}
		if !visited.Add(v) {
			return nil
		}
		v.ob = f.newObserver(v, path)
		for _, k := range v.keys {
			p := v.props[k]
			if p.get != nil {
				continue
			}
			p.dep = newDependency(f.rs, v.ob.childPath(k))
			f.observe(p.value, v.ob.childPath(k), visited)
		}
		return v.ob

	case *Array:
		if v.ob != nil {
			return v.ob
		}
		if !visited.Add(v) {
			return nil
		}
		v.ob = f.newObserver(v, path)
		for _, item := range v.items {
			f.observe(item, v.ob.childPath("[]"), visited)
		}
		return v.ob
	}
	return nil
}

// Set assigns target[key] and notifies as if the key had always existed.
// Objects take string keys, arrays int indexes.
func (f *ObserverFactory) Set(target any, key any, value any) error {
	switch t := target.(type) {
	case *Object:
		k, ok := key.(string)
		if !ok {
			return errors.Wrapf(ErrInvalidKey, "object key %v (%T)", key, key)
		}
		t.Set(k, value)
		return nil
	case *Array:
		i, ok := key.(int)
		if !ok {
			return errors.Wrapf(ErrInvalidKey, "array index %v (%T)", key, key)
		}
		return t.SetAt(i, value)
	}
	return errors.Wrapf(ErrNotObservable, "set on %T", target)
}

// Delete removes target[key]. Absent keys are a no-op.
func (f *ObserverFactory) Delete(target any, key any) error {
	switch t := target.(type) {
	case *Object:
		k, ok := key.(string)
		if !ok {
			return errors.Wrapf(ErrInvalidKey, "object key %v (%T)", key, key)
		}
		t.Delete(k)
		return nil
	case *Array:
		i, ok := key.(int)
		if !ok {
			return errors.Wrapf(ErrInvalidKey, "array index %v (%T)", key, key)
		}
		if i < 0 || i >= len(t.items) {
			return nil
		}
		t.Splice(i, 1)
		return nil
	}
	return errors.Wrapf(ErrNotObservable, "delete on %T", target)
}
