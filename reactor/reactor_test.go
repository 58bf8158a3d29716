package reactor

import (
	"bytes"
	"log/slog"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/delaneyj/reactor/pkg/taskqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	newValue, oldValue any
	w                  *Watcher
}

func newTestSystem(t *testing.T, opts ...Option) (*ReactiveSystem, *taskqueue.Queue) {
	t.Helper()
	q := taskqueue.New()
	opts = append([]Option{WithTaskQueue(q)}, opts...)
	return NewReactiveSystem(opts...), q
}

func sum(data *Object, keys ...string) func() (any, error) {
	return func() (any, error) {
		total := 0
		for _, k := range keys {
			total += data.Get(k).(int)
		}
		return total, nil
	}
}

func TestCore(t *testing.T) {
	/*
	   a  b
	   | /
	   a+b (eager)
	*/
	t.Run("coalesced flush", func(t *testing.T) {
		rs, q := newTestSystem(t)
		data := rs.Reactive(map[string]any{"a": 1, "b": 2})

		var calls []call
		w, err := NewWatcher(rs, data, Func(sum(data, "a", "b")), func(v, old any, w *Watcher) {
			calls = append(calls, call{v, old, w})
		}, WatcherOptions{})
		require.NoError(t, err)
		assert.Equal(t, 3, w.Value())

		data.Set("a", 5)
		data.Set("b", 7)
		assert.Empty(t, calls, "flush must wait for the tick")
		assert.Equal(t, 1, rs.Scheduler().Pending())

		q.Drain()
		require.Len(t, calls, 1)
		assert.Equal(t, call{12, 3, w}, calls[0])
	})

	t.Run("dedup same property", func(t *testing.T) {
		rs, q := newTestSystem(t)
		data := rs.Reactive(map[string]any{"a": 1})

		callCount := 0
		_, err := NewWatcher(rs, data, Path("a"), func(v, old any, w *Watcher) {
			callCount++
			assert.Equal(t, 3, v)
			assert.Equal(t, 1, old)
		}, WatcherOptions{})
		require.NoError(t, err)

		data.Set("a", 2)
		data.Set("a", 3)
		assert.Equal(t, 1, rs.Scheduler().Pending())
		assert.Equal(t, 1, q.RunOnce())
		assert.Equal(t, 1, callCount)
	})

	/*
	   flag
	   |  \
	   a   b   (only one branch read at a time)
	*/
	t.Run("dependency precision", func(t *testing.T) {
		rs, q := newTestSystem(t)
		data := rs.Reactive(map[string]any{"flag": true, "a": 1, "b": 2})

		callCount := 0
		w, err := NewWatcher(rs, data, Func(func() (any, error) {
			if data.Get("flag").(bool) {
				return data.Get("a"), nil
			}
			return data.Get("b"), nil
		}), func(v, old any, w *Watcher) {
			callCount++
		}, WatcherOptions{})
		require.NoError(t, err)
		assert.Len(t, w.Dependencies(), 2)

		data.Set("b", 20)
		q.Drain()
		assert.Equal(t, 0, callCount)

		data.Set("a", 10)
		q.Drain()
		assert.Equal(t, 1, callCount)
		assert.Equal(t, 10, w.Value())

		data.Set("flag", false)
		q.Drain()
		assert.Equal(t, 2, callCount)
		assert.Equal(t, 20, w.Value())

		// a is no longer read and was pruned
		data.Set("a", 11)
		q.Drain()
		assert.Equal(t, 2, callCount)
		assert.Equal(t, 0, data.props["a"].dep.Subscribers())
	})

	t.Run("no-op writes", func(t *testing.T) {
		rs, q := newTestSystem(t)
		data := rs.Reactive(map[string]any{"n": math.NaN(), "s": "x"})

		callCount := 0
		_, err := NewWatcher(rs, data, Func(func() (any, error) {
			return []any{data.Get("n"), data.Get("s")}, nil
		}), func(v, old any, w *Watcher) {
			callCount++
		}, WatcherOptions{})
		require.NoError(t, err)

		data.Set("n", math.NaN())
		data.Set("s", "x")
		assert.Equal(t, 0, rs.Scheduler().Pending())
		q.Drain()
		assert.Equal(t, 0, callCount)
	})
}

func TestLazy(t *testing.T) {
	t.Run("memoization", func(t *testing.T) {
		rs, _ := newTestSystem(t)
		data := rs.Reactive(map[string]any{"a": 1, "b": 2})

		evals := 0
		w, err := NewWatcher(rs, data, Func(func() (any, error) {
			evals++
			return data.Get("a").(int) + data.Get("b").(int), nil
		}), nil, WatcherOptions{Lazy: true})
		require.NoError(t, err)

		data.Set("a", 4)
		assert.Equal(t, 0, evals, "lazy watchers never evaluate eagerly")
		assert.Equal(t, 0, rs.Scheduler().Pending())

		v, err := w.GetCachedValue()
		require.NoError(t, err)
		assert.Equal(t, 6, v)
		_, _ = w.GetCachedValue()
		_, _ = w.GetCachedValue()
		assert.Equal(t, 1, evals)

		data.Set("b", 3)
		assert.True(t, w.Dirty())
		v, _ = w.GetCachedValue()
		assert.Equal(t, 7, v)
		assert.Equal(t, 2, evals)
	})

	/*
	   a  b
	   | /
	   sum (computed)
	   |
	   double (eager)
	*/
	t.Run("nested computed", func(t *testing.T) {
		rs, q := newTestSystem(t)
		data := rs.Reactive(map[string]any{"a": 1, "b": 2})

		sumEvals := 0
		_, err := DefineComputed(rs, data, data, "sum", ComputedSpec{
			Get: func() (any, error) {
				sumEvals++
				return data.Get("a").(int) + data.Get("b").(int), nil
			},
		})
		require.NoError(t, err)

		var calls []call
		outer, err := NewWatcher(rs, data, Func(func() (any, error) {
			assert.Equal(t, 1, rs.Depth())
			return data.Get("sum").(int) * 2, nil
		}), func(v, old any, w *Watcher) {
			calls = append(calls, call{v, old, w})
		}, WatcherOptions{})
		require.NoError(t, err)
		assert.Nil(t, rs.Current())
		assert.Equal(t, 0, rs.Depth())
		assert.Equal(t, 6, outer.Value())

		data.Set("a", 10)
		q.Drain()
		require.Len(t, calls, 1)
		assert.Equal(t, call{24, 6, outer}, calls[0])
		assert.Equal(t, 2, sumEvals)
	})

	t.Run("computed setter and no cache", func(t *testing.T) {
		rs, _ := newTestSystem(t)
		data := rs.Reactive(map[string]any{"first": "Ada", "last": "Lovelace"})

		evals := 0
		_, err := DefineComputed(rs, data, data, "full", ComputedSpec{
			Get: func() (any, error) {
				evals++
				return data.Get("first").(string) + " " + data.Get("last").(string), nil
			},
			Set: func(v any) {
				data.Set("first", v)
			},
			NoCache: true,
		})
		require.NoError(t, err)

		assert.Equal(t, "Ada Lovelace", data.Get("full"))
		assert.Equal(t, "Ada Lovelace", data.Get("full"))
		assert.Equal(t, 2, evals)

		data.Set("full", "Grace")
		assert.Equal(t, "Grace", data.Get("first"))

		_, err = DefineComputed(rs, data, data, "first", ComputedSpec{Get: func() (any, error) { return nil, nil }})
		assert.ErrorIs(t, err, ErrDuplicateKey)
	})

	t.Run("typed computed", func(t *testing.T) {
		rs, _ := newTestSystem(t)
		data := rs.Reactive(map[string]any{"n": 3})
		sq := NewComputed(rs, func() (int, error) {
			n := data.Get("n").(int)
			return n * n, nil
		})
		v, err := sq.Value()
		require.NoError(t, err)
		assert.Equal(t, 9, v)
		data.Set("n", 4)
		v, _ = sq.Value()
		assert.Equal(t, 16, v)

		sq.Stop()
		data.Set("n", 5)
		v, _ = sq.Value()
		assert.Equal(t, 16, v)
	})

	t.Run("misuse on eager watcher", func(t *testing.T) {
		rs, _ := newTestSystem(t)
		data := rs.Reactive(map[string]any{"a": 1})
		w, err := NewWatcher(rs, data, Path("a"), nil, WatcherOptions{})
		require.NoError(t, err)
		v, err := w.GetCachedValue()
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	})
}

func TestTeardown(t *testing.T) {
	t.Run("isolation", func(t *testing.T) {
		rs, q := newTestSystem(t)
		data := rs.Reactive(map[string]any{"a": 1})

		callCount := 0
		w, err := NewWatcher(rs, data, Path("a"), func(v, old any, w *Watcher) {
			callCount++
		}, WatcherOptions{})
		require.NoError(t, err)

		data.Set("a", 2)
		w.Teardown()
		w.Teardown()
		q.Drain()
		assert.Equal(t, 0, callCount, "pending update must be inert")
		assert.Equal(t, 0, data.props["a"].dep.Subscribers())

		data.Set("a", 3)
		q.Drain()
		assert.Equal(t, 0, callCount)
		assert.NoError(t, w.Update())
	})

	t.Run("self teardown in callback", func(t *testing.T) {
		rs, q := newTestSystem(t)
		data := rs.Reactive(map[string]any{"a": 1})

		callCount := 0
		_, err := NewWatcher(rs, data, Path("a"), func(v, old any, w *Watcher) {
			callCount++
			w.Teardown()
		}, WatcherOptions{})
		require.NoError(t, err)

		data.Set("a", 2)
		q.Drain()
		data.Set("a", 3)
		q.Drain()
		assert.Equal(t, 1, callCount)
	})

	t.Run("stale notification is ignored", func(t *testing.T) {
		rs, _ := newTestSystem(t)
		data := rs.Reactive(map[string]any{"a": 1})
		w, err := NewWatcher(rs, data, Path("a"), nil, WatcherOptions{})
		require.NoError(t, err)
		dep := data.props["a"].dep
		w.Teardown()

		// simulate a dependency still holding the watcher
		dep.addSub(w)
		dep.Notify()
		assert.Equal(t, 0, rs.Scheduler().Pending())
	})

	/*
	   a  stop  b
	    \  |   /
	     watcher (tears itself down mid-evaluation)
	*/
	t.Run("teardown during own evaluation", func(t *testing.T) {
		rs, q := newTestSystem(t)
		data := rs.Reactive(map[string]any{"a": 1, "b": 2, "stop": false})

		var w *Watcher
		callCount := 0
		w, err := NewWatcher(rs, data, Func(func() (any, error) {
			total := data.Get("a").(int)
			if data.Get("stop").(bool) {
				w.Teardown()
			}
			return total + data.Get("b").(int), nil
		}), func(any, any, *Watcher) {
			callCount++
		}, WatcherOptions{})
		require.NoError(t, err)
		assert.Equal(t, 3, w.Value())

		deps := []*Dependency{data.props["a"].dep, data.props["b"].dep, data.props["stop"].dep}
		for _, d := range deps {
			assert.Equal(t, 1, d.Subscribers(), d.Label())
		}

		data.Set("stop", true)
		q.Drain()
		assert.False(t, w.Active())
		assert.Equal(t, 0, callCount)
		assert.Empty(t, w.Dependencies())
		for _, d := range deps {
			assert.Equal(t, 0, d.Subscribers(), d.Label())
		}
		assert.Equal(t, 0, data.Observer().Dep().Subscribers())

		data.Set("a", 5)
		data.Set("b", 5)
		assert.Equal(t, 0, rs.Scheduler().Pending())
	})
}

func TestEvaluationErrors(t *testing.T) {
	t.Run("stack stays balanced", func(t *testing.T) {
		rs, _ := newTestSystem(t)
		data := rs.Reactive(map[string]any{"a": 1})
		boom := errors.New("boom")

		_, err := NewWatcher(rs, data, Func(func() (any, error) {
			data.Get("a")
			return nil, boom
		}), nil, WatcherOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		var evalErr *EvaluationError
		require.True(t, errors.As(err, &evalErr))
		assert.Nil(t, rs.Current())
		assert.Equal(t, 0, rs.Depth())

		assert.Panics(t, func() {
			_, _ = NewWatcher(rs, data, Func(func() (any, error) {
				panic("bad")
			}), nil, WatcherOptions{})
		})
		assert.Nil(t, rs.Current())
		assert.Equal(t, 0, rs.Depth())
	})

	t.Run("one broken watcher does not stop the flush", func(t *testing.T) {
		var reported []error
		rs, q := newTestSystem(t, WithOnError(func(w *Watcher, err error) {
			reported = append(reported, err)
		}))
		data := rs.Reactive(map[string]any{"a": 1})

		_, err := NewWatcher(rs, data, Func(func() (any, error) {
			if data.Get("a").(int) > 1 {
				panic("too big")
			}
			return nil, nil
		}), nil, WatcherOptions{})
		require.NoError(t, err)

		_, err = NewWatcher(rs, data, Func(func() (any, error) {
			if data.Get("a").(int) > 1 {
				return nil, errors.New("also too big")
			}
			return nil, nil
		}), nil, WatcherOptions{})
		require.NoError(t, err)

		seen := 0
		_, err = NewWatcher(rs, data, Path("a"), func(v, old any, w *Watcher) {
			seen = v.(int)
		}, WatcherOptions{})
		require.NoError(t, err)

		data.Set("a", 2)
		q.Drain()
		assert.Len(t, reported, 2)
		assert.Equal(t, 2, seen)
		assert.Equal(t, 0, rs.Depth())
	})

	t.Run("user callback panic is reported", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, nil))
		rs, q := newTestSystem(t, WithLogger(logger))
		data := rs.Reactive(map[string]any{"a": 1})

		unwatch, err := rs.Watch(data, Path("a"), func(v, old any, w *Watcher) {
			panic("callback")
		}, WatcherOptions{})
		require.NoError(t, err)
		defer unwatch()

		data.Set("a", 2)
		assert.NotPanics(t, func() { q.Drain() })
		assert.Contains(t, buf.String(), "[reactor]: watcher failed")
	})
}

func TestScheduler(t *testing.T) {
	t.Run("queued during flush waits for next cycle", func(t *testing.T) {
		rs, q := newTestSystem(t)
		data := rs.Reactive(map[string]any{"a": 1, "b": 1})

		var order []string
		_, err := NewWatcher(rs, data, Path("a"), func(v, old any, w *Watcher) {
			order = append(order, "a")
			data.Set("b", v)
		}, WatcherOptions{})
		require.NoError(t, err)
		_, err = NewWatcher(rs, data, Path("b"), func(v, old any, w *Watcher) {
			order = append(order, "b")
		}, WatcherOptions{})
		require.NoError(t, err)

		data.Set("a", 2)
		q.RunOnce()
		assert.Equal(t, []string{"a"}, order)
		assert.Equal(t, 1, rs.Scheduler().Pending())
		assert.Equal(t, uint64(1), rs.Scheduler().Cycle())

		q.RunOnce()
		assert.Equal(t, []string{"a", "b"}, order)
	})

	t.Run("flushes in queue order", func(t *testing.T) {
		rs, q := newTestSystem(t)
		data := rs.Reactive(map[string]any{"x": 1, "y": 1})

		var order []string
		record := func(name string) Callback {
			return func(any, any, *Watcher) { order = append(order, name) }
		}
		_, err := NewWatcher(rs, data, Path("x"), record("x"), WatcherOptions{})
		require.NoError(t, err)
		_, err = NewWatcher(rs, data, Path("y"), record("y"), WatcherOptions{})
		require.NoError(t, err)

		data.Set("y", 2)
		data.Set("x", 2)
		q.Drain()
		assert.Equal(t, []string{"y", "x"}, order)
	})

	t.Run("next tick sees settled state", func(t *testing.T) {
		rs, q := newTestSystem(t)
		data := rs.Reactive(map[string]any{"a": 1})

		var seen any
		w, err := NewWatcher(rs, data, Path("a"), nil, WatcherOptions{})
		require.NoError(t, err)

		rs.NextTick(func() { seen = w.Value() })
		data.Set("a", 9)
		assert.Equal(t, 1, q.Len(), "one task per cycle")
		q.RunOnce()
		assert.Equal(t, 9, seen)

		ran := false
		rs.NextTick(func() { panic("x") })
		rs.NextTick(func() { ran = true })
		q.Drain()
		assert.True(t, ran)
	})

	t.Run("infinite update guard", func(t *testing.T) {
		var reported []error
		rs, q := newTestSystem(t, WithMaxUpdateCount(5), WithOnError(func(w *Watcher, err error) {
			reported = append(reported, err)
		}))
		data := rs.Reactive(map[string]any{"n": 0})

		_, err := NewWatcher(rs, data, Path("n"), func(v, old any, w *Watcher) {
			data.Set("n", v.(int)+1)
		}, WatcherOptions{})
		require.NoError(t, err)

		data.Set("n", 1)
		q.Drain()
		require.Len(t, reported, 1)
		assert.ErrorIs(t, reported[0], ErrInfiniteUpdate)
	})

	t.Run("metrics", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		rs, q := newTestSystem(t, WithRegisterer(reg, WithNamespace("test")))
		data := rs.Reactive(map[string]any{"a": 1})
		w, err := NewWatcher(rs, data, Path("a"), nil, WatcherOptions{})
		require.NoError(t, err)

		assert.Equal(t, 1.0, testutil.ToFloat64(rs.metrics.activeWatchers))
		data.Set("a", 2)
		data.Set("a", 3)
		assert.Equal(t, 1.0, testutil.ToFloat64(rs.metrics.queued))
		q.Drain()
		assert.Equal(t, 1.0, testutil.ToFloat64(rs.metrics.flushes))
		assert.Equal(t, 2.0, testutil.ToFloat64(rs.metrics.watcherRuns.WithLabelValues("eager")))
		w.Teardown()
		assert.Equal(t, 0.0, testutil.ToFloat64(rs.metrics.activeWatchers))

		n, err := testutil.GatherAndCount(reg, "test_flushes_total")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("built-in queue", func(t *testing.T) {
		rs := NewReactiveSystem()
		q := rs.Queue()
		require.NotNil(t, q)
		assert.Same(t, q, rs.TaskQueue())

		data := rs.Reactive(map[string]any{"a": 1})
		var got []any
		_, err := NewWatcher(rs, data, Path("a"), func(v, _ any, _ *Watcher) {
			got = append(got, v)
		}, WatcherOptions{})
		require.NoError(t, err)
		ticked := false
		rs.NextTick(func() { ticked = true })
		data.Set("a", 2)

		assert.Empty(t, got)
		assert.Equal(t, 1, q.Len())
		q.Drain()
		assert.Equal(t, []any{2}, got)
		assert.True(t, ticked)

		custom, _ := newTestSystem(t)
		assert.Nil(t, custom.Queue())
	})
}

func TestUntrack(t *testing.T) {
	rs, q := newTestSystem(t)
	data := rs.Reactive(map[string]any{"a": 1, "b": 1})

	callCount := 0
	_, err := NewWatcher(rs, data, Func(func() (any, error) {
		var b any
		rs.Untrack(func() { b = data.Get("b") })
		return data.Get("a").(int) + b.(int), nil
	}), func(any, any, *Watcher) {
		callCount++
	}, WatcherOptions{})
	require.NoError(t, err)

	data.Set("b", 5)
	q.Drain()
	assert.Equal(t, 0, callCount)
	data.Set("a", 5)
	q.Drain()
	assert.Equal(t, 1, callCount)
}

func TestImmediate(t *testing.T) {
	rs, _ := newTestSystem(t)
	data := rs.Reactive(map[string]any{"a": 7})
	var calls []call
	w, err := NewWatcher(rs, data, Path("a"), func(v, old any, w *Watcher) {
		calls = append(calls, call{v, old, w})
	}, WatcherOptions{Immediate: true})
	require.NoError(t, err)
	assert.Equal(t, []call{{7, nil, w}}, calls)
}

func TestPathExpr(t *testing.T) {
	rs, q := newTestSystem(t)
	data := rs.Reactive(map[string]any{
		"user": map[string]any{"name": "ada", "tags": []any{"x", "y"}},
	})

	w, err := NewWatcher(rs, data, Path("user.tags.1"), nil, WatcherOptions{})
	require.NoError(t, err)
	assert.Equal(t, "y", w.Value())

	data.GetPath("user.tags").(*Array).SetAt(1, "z")
	q.Drain()
	assert.Equal(t, "z", w.Value())

	missing, err := NewWatcher(rs, data, Path("user.address.city"), nil, WatcherOptions{})
	require.NoError(t, err)
	assert.Nil(t, missing.Value())
	require.NoError(t, data.SetPath("user.address.city", "london"))
	q.Drain()
	assert.Equal(t, "london", missing.Value())

	_, err = NewWatcher(rs, data, Path("a..b"), nil, WatcherOptions{})
	assert.ErrorIs(t, err, ErrInvalidPath)
	_, err = NewWatcher(rs, data, Path("a[0]"), nil, WatcherOptions{})
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = NewWatcher(rs, 42, Path("a"), nil, WatcherOptions{})
	assert.ErrorIs(t, err, ErrNoData)
}
