package reactor

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Object is an ordered string-keyed container. Until an Observer is attached
// with ObserverFactory.Create it behaves like a plain map; afterwards every
// read made during an evaluation registers a dependency and every write
// notifies the watchers that read it.
type Object struct {
	keys  []string
	props map[string]*property
	ob    *Observer
}

type property struct {
	value any
	// dep is shared by the property's read and write paths; nil until the
	// owning object is observed.
	dep *Dependency
	// get and set make the property an accessor, as used by computed
	// properties.
	get func() any
	set func(value any)
}

func NewObject() *Object {
	return &Object{
		props: map[string]*property{},
	}
}

// ObjectOf converts m, recursively, into an unobserved Object.
func ObjectOf(m map[string]any) *Object {
	if m == nil {
		return NewObject()
	}
	return FromValue(m).(*Object)
}

func (o *Object) put(key string, value any) *property {
	p := &property{value: value}
	o.props[key] = p
	o.keys = append(o.keys, key)
	return p
}

func (o *Object) Observed() bool { return o.ob != nil }

func (o *Object) Observer() *Observer { return o.ob }

func (o *Object) depend() {
	if o.ob != nil {
		o.ob.dep.Depend()
	}
}

func (o *Object) notify() {
	if o.ob != nil {
		o.ob.dep.Notify()
	}
}

func (p *property) read() any {
	if p.get != nil {
		return p.get()
	}
	if p.dep != nil {
		p.dep.Depend()
		if child := observerOf(p.value); child != nil {
			child.dep.Depend()
		}
	}
	return p.value
}

// Get returns the value stored under key, or nil.
func (o *Object) Get(key string) any {
	v, _ := o.Lookup(key)
	return v
}

// Lookup is Get with a presence flag. Looking up an absent key depends on the
// object itself, so a later Set of that key re-runs the reader.
func (o *Object) Lookup(key string) (any, bool) {
	p, ok := o.props[key]
	if !ok {
		o.depend()
		return nil, false
	}
	return p.read(), true
}

func (o *Object) Has(key string) bool {
	o.depend()
	_, ok := o.props[key]
	return ok
}

// Keys returns the keys in insertion order.
func (o *Object) Keys() []string {
	o.depend()
	keys := make([]string, len(o.keys))
	copy(keys, o.keys)
	return keys
}

func (o *Object) Len() int {
	o.depend()
	return len(o.keys)
}

// Range calls fn for every property in insertion order until fn returns
// false.
func (o *Object) Range(fn func(key string, value any) bool) {
	o.depend()
	for _, k := range o.Keys() {
		p, ok := o.props[k]
		if !ok {
			continue
		}
		if !fn(k, p.read()) {
			return
		}
	}
}

// Set assigns key. Existing keys go through their setter; new keys on an
// observed object become observed properties and notify the object's own
// dependency.
func (o *Object) Set(key string, value any) {
	if p, ok := o.props[key]; ok {
		o.write(key, p, value)
		return
	}
	o.define(key, value)
}

func (o *Object) write(key string, p *property, value any) {
	if p.set != nil {
		p.set(value)
		return
	}
	if p.get != nil {
		// getter without setter
		return
	}

	value = FromValue(value)
	if sameValue(p.value, value) {
		return
	}
	p.value = value
	if p.dep != nil {
		o.ob.observeChild(key, value)
		p.dep.Notify()
	}
}

func (o *Object) define(key string, value any) {
	p := o.put(key, FromValue(value))
	if o.ob == nil {
		return
	}
	p.dep = newDependency(o.ob.rs, o.ob.childPath(key))
	o.ob.observeChild(key, p.value)
	o.ob.dep.Notify()
}

// Delete removes key and reports whether it was present.
func (o *Object) Delete(key string) bool {
	p, ok := o.props[key]
	if !ok {
		return false
	}
	delete(o.props, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
	// Readers of the key re-run and, finding it absent, depend on the object.
	if p.dep != nil {
		p.dep.Notify()
	}
	o.notify()
	return true
}

// DefineAccessor adds a property backed by get and set. A nil set makes the
// property read-only.
func (o *Object) DefineAccessor(key string, get func() any, set func(value any)) error {
	if get == nil {
		return errors.Wrapf(ErrInvalidKey, "accessor %q has no getter", key)
	}
	if _, ok := o.props[key]; ok {
		return errors.Wrapf(ErrDuplicateKey, "%q", key)
	}
	p := o.put(key, nil)
	p.get = get
	p.set = set
	o.notify()
	return nil
}

// GetPath resolves a dotted path such as "user.tags.0" through nested
// containers. Missing segments resolve to nil.
func (o *Object) GetPath(path string) any {
	var cur any = o
	for _, seg := range strings.Split(path, ".") {
		cur = child(cur, seg)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// SetPath assigns a dotted path, creating intermediate objects as needed.
func (o *Object) SetPath(path string, value any) error {
	segs := strings.Split(path, ".")
	cur := o
	for i, seg := range segs[:len(segs)-1] {
		next := cur.Get(seg)
		switch n := next.(type) {
		case *Object:
			cur = n
		case nil:
			created := NewObject()
			cur.Set(seg, created)
			cur = created
		default:
			return errors.Wrapf(ErrInvalidKey, "%q is not an object", strings.Join(segs[:i+1], "."))
		}
	}
	cur.Set(segs[len(segs)-1], value)
	return nil
}

func child(cur any, seg string) any {
	switch c := cur.(type) {
	case *Object:
		return c.Get(seg)
	case *Array:
		i, err := strconv.Atoi(seg)
		if err != nil {
			return nil
		}
		return c.At(i)
	}
	return nil
}
