package reactor

import (
	"github.com/cockroachdb/errors"
)

// Array is an observable list. Unlike Object, elements do not get their own
// dependencies: every read depends on the array and every mutation notifies
// it exactly once, including mutations that change the length.
type Array struct {
	items []any
	ob    *Observer
}

func NewArray(items ...any) *Array {
	return FromValue(append([]any{}, items...)).(*Array)
}

func (a *Array) Observed() bool { return a.ob != nil }

func (a *Array) Observer() *Observer { return a.ob }

func (a *Array) depend() {
	if a.ob != nil {
		a.ob.dep.Depend()
	}
}

func (a *Array) notify() {
	if a.ob != nil {
		a.ob.dep.Notify()
	}
}

func (a *Array) observeItems(items []any) {
	if a.ob == nil {
		return
	}
	for _, item := range items {
		a.ob.observeChild("[]", item)
	}
}

func (a *Array) Len() int {
	a.depend()
	return len(a.items)
}

// At returns element i, or nil when i is out of range.
func (a *Array) At(i int) any {
	a.depend()
	if i < 0 || i >= len(a.items) {
		return nil
	}
	v := a.items[i]
	if child := observerOf(v); child != nil && a.ob != nil {
		child.dep.Depend()
	}
	return v
}

func (a *Array) Range(fn func(i int, value any) bool) {
	n := a.Len()
	for i := 0; i < n && i < len(a.items); i++ {
		if !fn(i, a.At(i)) {
			return
		}
	}
}

// Slice returns a copy of the elements.
func (a *Array) Slice() []any {
	a.depend()
	out := make([]any, len(a.items))
	copy(out, a.items)
	return out
}

// SetAt assigns element i, growing the array with nils when i is past the
// end.
func (a *Array) SetAt(i int, value any) error {
	if i < 0 {
		return errors.Wrapf(ErrInvalidKey, "index %d", i)
	}
	value = FromValue(value)
	if i < len(a.items) && sameValue(a.items[i], value) {
		return nil
	}
	for len(a.items) <= i {
		a.items = append(a.items, nil)
	}
	a.items[i] = value
	a.observeItems([]any{value})
	a.notify()
	return nil
}

// Push appends values and returns the new length.
func (a *Array) Push(values ...any) int {
	if len(values) == 0 {
		return len(a.items)
	}
	converted := make([]any, len(values))
	for i, v := range values {
		converted[i] = FromValue(v)
	}
	a.items = append(a.items, converted...)
	a.observeItems(converted)
	a.notify()
	return len(a.items)
}

// SetLen truncates the array to n elements or extends it with nils.
func (a *Array) SetLen(n int) error {
	if n < 0 {
		return errors.Wrapf(ErrInvalidKey, "length %d", n)
	}
	if n == len(a.items) {
		return nil
	}
	if n < len(a.items) {
		clear(a.items[n:])
		a.items = a.items[:n]
	} else {
		a.items = append(a.items, make([]any, n-len(a.items))...)
	}
	a.notify()
	return nil
}

func (a *Array) Pop() (any, bool) {
	if len(a.items) == 0 {
		return nil, false
	}
	last := len(a.items) - 1
	v := a.items[last]
	a.items[last] = nil
	a.items = a.items[:last]
	a.notify()
	return v, true
}

// Splice removes deleteCount elements at start, inserts values in their
// place and returns the removed elements. Out-of-range arguments are
// clamped.
func (a *Array) Splice(start, deleteCount int, values ...any) []any {
	n := len(a.items)
	if start < 0 {
		start += n
		if start < 0 {
			start = 0
		}
	}
	if start > n {
		start = n
	}
	if deleteCount < 0 {
		deleteCount = 0
	}
	if start+deleteCount > n {
		deleteCount = n - start
	}
	if deleteCount == 0 && len(values) == 0 {
		return nil
	}

	removed := make([]any, deleteCount)
	copy(removed, a.items[start:start+deleteCount])

	inserted := make([]any, len(values))
	for i, v := range values {
		inserted[i] = FromValue(v)
	}

	items := make([]any, 0, n-deleteCount+len(inserted))
	items = append(items, a.items[:start]...)
	items = append(items, inserted...)
	items = append(items, a.items[start+deleteCount:]...)
	a.items = items

	a.observeItems(inserted)
	a.notify()
	return removed
}
