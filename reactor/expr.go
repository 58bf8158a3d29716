package reactor

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// Expr is what a watcher evaluates. The concrete kind is fixed when the
// watcher is built: a PathExpr, a FuncExpr or a GetterSetter.
type Expr interface {
	evaluate(w *Watcher) (any, error)
	String() string
}

// DataOwner is implemented by watcher owners that expose a data root for
// path expressions. An *Object owner is its own root.
type DataOwner interface {
	Data() *Object
}

// PathExpr reads a dotted property path, such as "user.name", from the
// owner's data.
type PathExpr struct {
	raw  string
	segs []string
}

func Path(path string) PathExpr {
	return PathExpr{raw: path}
}

func (e PathExpr) String() string { return e.raw }

func (e PathExpr) evaluate(w *Watcher) (any, error) {
	root, err := dataOf(w.owner)
	if err != nil {
		return nil, err
	}
	var cur any = root
	for _, seg := range e.segs {
		cur = child(cur, seg)
		if cur == nil {
			return nil, nil
		}
	}
	return cur, nil
}

func dataOf(owner any) (*Object, error) {
	switch o := owner.(type) {
	case *Object:
		return o, nil
	case DataOwner:
		if d := o.Data(); d != nil {
			return d, nil
		}
	}
	return nil, errors.Wrapf(ErrNoData, "owner %T", owner)
}

// FuncExpr evaluates a function; whatever it reads is tracked.
type FuncExpr struct {
	fn   func() (any, error)
	name string
}

func Func(fn func() (any, error)) FuncExpr {
	return FuncExpr{fn: fn, name: "func"}
}

// NamedFunc is Func with a name used in logs and errors.
func NamedFunc(name string, fn func() (any, error)) FuncExpr {
	return FuncExpr{fn: fn, name: name}
}

func (e FuncExpr) String() string { return e.name }

func (e FuncExpr) evaluate(*Watcher) (any, error) {
	return e.fn()
}

// GetterSetter is the expression of a computed property: Get is tracked,
// Set is what assignments to the property call.
type GetterSetter struct {
	Name string
	Get  func() (any, error)
	Set  func(value any)
}

func (e GetterSetter) String() string { return e.Name }

func (e GetterSetter) evaluate(*Watcher) (any, error) {
	return e.Get()
}

// pathCache memoizes parsed paths per system, keyed by the path's hash.
type pathCache struct {
	entries map[uint64]PathExpr
}

func newPathCache() *pathCache {
	return &pathCache{entries: map[uint64]PathExpr{}}
}

func (c *pathCache) parse(raw string) (PathExpr, error) {
	key := xxhash.Sum64String(raw)
	if e, ok := c.entries[key]; ok && e.raw == raw {
		return e, nil
	}
	if raw == "" {
		return PathExpr{}, errors.Wrap(ErrInvalidPath, "empty path")
	}
	segs := strings.Split(raw, ".")
	for _, seg := range segs {
		if !validSegment(seg) {
			return PathExpr{}, errors.Wrapf(ErrInvalidPath, "%q", raw)
		}
	}
	e := PathExpr{raw: raw, segs: segs}
	c.entries[key] = e
	return e, nil
}

func validSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		switch {
		case r == '_' || r == '$' || r == '-':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
