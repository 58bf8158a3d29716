package reactor

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Dependency is the subscription point of one observed property, or of a
// whole container for key additions and removals.
type Dependency struct {
	id    uint64
	rs    *ReactiveSystem
	label string

	// A set because a property read several times during one evaluation
	// must still subscribe the watcher only once.
	subs mapset.Set[*Watcher]
}

func newDependency(rs *ReactiveSystem, label string) *Dependency {
	return &Dependency{
		id:    rs.nextID(),
		rs:    rs,
		label: label,
		subs:  mapset.NewThreadUnsafeSet[*Watcher](),
	}
}

func (d *Dependency) ID() uint64 { return d.id }

// Label is the property path the dependency was created for.
func (d *Dependency) Label() string { return d.label }

func (d *Dependency) Subscribers() int { return d.subs.Cardinality() }

// Depend subscribes the watcher currently evaluating, if there is one.
func (d *Dependency) Depend() {
	if w := d.rs.target; w != nil {
		w.addDep(d)
	}
}

// Notify schedules every subscriber. Subscribers are snapshotted first since
// a notified watcher can re-evaluate synchronously and change the set.
func (d *Dependency) Notify() {
	subs := d.subs.ToSlice()
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].id < subs[j].id
	})
	for _, w := range subs {
		w.notify()
	}
}

func (d *Dependency) addSub(w *Watcher) {
	d.subs.Add(w)
}

func (d *Dependency) removeSub(w *Watcher) {
	d.subs.Remove(w)
}
