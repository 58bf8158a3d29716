package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/delaneyj/reactor/pkg/taskqueue"
	"github.com/delaneyj/reactor/reactor"
	"github.com/dustin/go-humanize"
	"github.com/jamiealquiza/tachymeter"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
)

const (
	iterationsKey = "iterations"
	repeatsKey    = "repeats"
	metricsKey    = "metrics"
)

type benchConfig struct {
	name           string  // friendly name for the test, should be unique
	width          int     // width of dependency graph to construct
	totalLayers    int     // depth of dependency graph to construct
	staticFraction float64 // fraction of nodes that always read all their sources
	nSources       int     // number of sources each node reads
	readFraction   float64 // fraction of leaves read by the effect
	iterations     int     // number of writes per run
}

var benchConfigs = []benchConfig{
	{
		name:           "simple component",
		width:          10,
		staticFraction: 1,
		nSources:       2,
		totalLayers:    5,
		readFraction:   0.2,
		iterations:     60000,
	},
	{
		name:           "dynamic component",
		width:          10,
		totalLayers:    10,
		staticFraction: 0.75,
		nSources:       6,
		readFraction:   0.2,
		iterations:     1500,
	},
	{
		name:           "large web app",
		width:          1000,
		totalLayers:    12,
		staticFraction: 0.95,
		nSources:       4,
		readFraction:   1,
		iterations:     70,
	},
	{
		name:           "wide dense",
		width:          1000,
		totalLayers:    5,
		staticFraction: 1,
		nSources:       25,
		readFraction:   1,
		iterations:     30,
	},
	{
		name:           "deep",
		width:          5,
		totalLayers:    500,
		staticFraction: 1,
		nSources:       3,
		readFraction:   1,
		iterations:     50,
	},
	{
		name:           "very dynamic",
		width:          100,
		totalLayers:    15,
		staticFraction: 0.5,
		nSources:       6,
		readFraction:   1,
		iterations:     200,
	},
}

func bench(ctx context.Context, cmd *cli.Command) error {
	log.Print("Starting reactor benchmark, please wait...")
	defer log.Print("Finished reactor benchmark")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	repeats := int(cmd.Int(repeatsKey))
	if repeats < 1 {
		repeats = 1
	}

	results := table.NewWriter()
	results.SetTitle("Reactor propagation")
	results.SetOutputMirror(os.Stdout)
	results.AppendHeader(table.Row{"test", "size", "nSources", "read%", "static%", "nTimes", "best", "avg", "p99", "updateRate", "title"})

	metricsTbl := table.NewWriter()
	metricsTbl.SetTitle("Metrics")
	metricsTbl.SetOutputMirror(os.Stdout)
	metricsTbl.AppendHeader(table.Row{"test", "metric", "value"})

	for _, bc := range benchConfigs {
		if n := cmd.Int(iterationsKey); n > 0 {
			bc.iterations = int(n)
		}
		if bc.totalLayers < 2 || bc.nSources < 1 {
			return errors.Newf("%s: graph needs two layers and a source per node", bc.name)
		}
		log.Printf("Running '%s' config", bc.name)

		reg := prometheus.NewRegistry()
		q := taskqueue.New()
		rs, err := cfg.system(q, reg)
		if err != nil {
			return err
		}

		counter := new(int64)
		g := makeBenchGraph(rs, bc, counter)
		effect, err := g.effect(rs, bc)
		if err != nil {
			return err
		}

		// warm up
		g.run(q, bc, nil)

		tach := tachymeter.New(&tachymeter.Config{Size: bc.iterations * repeats})
		best := time.Duration(math.MaxInt64)
		var bestCount int64
		for i := 0; i < repeats; i++ {
			log.Printf("Running '%s' config, iteration %d/%d %d%%", bc.name, i+1, repeats, (i+1)*100/repeats)
			*counter = 0
			start := time.Now()
			g.run(q, bc, tach)
			if d := time.Since(start); d < best {
				best = d
				bestCount = *counter
			}
		}
		effect.Teardown()

		calc := tach.Calc()
		updateRate := float64(bestCount) / (float64(best) / float64(time.Millisecond))
		results.AppendRow(table.Row{
			bc.name,
			fmt.Sprintf("%dx%d", bc.width, bc.totalLayers),
			bc.nSources,
			bc.readFraction,
			bc.staticFraction,
			humanize.Comma(int64(bc.iterations)),
			best,
			calc.Time.Avg,
			calc.Time.P99,
			humanize.Comma(int64(updateRate)),
			bc.title(),
		})

		if cmd.Bool(metricsKey) {
			rows, err := metricRows(bc.name, reg)
			if err != nil {
				return err
			}
			metricsTbl.AppendRows(rows)
		}
	}

	results.Render()
	if cmd.Bool(metricsKey) {
		metricsTbl.Render()
	}
	return nil
}

func (bc benchConfig) title() string {
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("%dx%d %d sources", bc.width, bc.totalLayers, bc.nSources))
	if bc.staticFraction < 1 {
		sb.WriteString(" dynamic")
	}
	if bc.readFraction < 1 {
		sb.WriteString(fmt.Sprintf(" read %0.2f%%", 100*bc.readFraction))
	}
	return sb.String()
}

type benchGraph struct {
	data    *reactor.Object
	sources []string
	layers  [][]*reactor.Computed[int]
}

// makeBenchGraph lays out totalLayers-1 rows of computed values over a row
// of source keys; each node reads nSources neighbours of the row above.
func makeBenchGraph(rs *reactor.ReactiveSystem, bc benchConfig, counter *int64) *benchGraph {
	raw := make(map[string]any, bc.width)
	sources := make([]string, bc.width)
	for i := range sources {
		sources[i] = fmt.Sprintf("s%d", i)
		raw[sources[i]] = i
	}
	g := &benchGraph{data: rs.Reactive(raw), sources: sources}

	prevRow := make([]func() int, bc.width)
	for i, key := range sources {
		prevRow[i] = func() int { return g.data.Get(key).(int) }
	}

	random := rand.New(rand.NewSource(0))
	for l := 0; l < bc.totalLayers-1; l++ {
		row := makeBenchRow(rs, prevRow, bc, counter, random)
		g.layers = append(g.layers, row)

		prevRow = make([]func() int, len(row))
		for i, c := range row {
			prevRow[i] = func() int {
				v, _ := c.Value()
				return v
			}
		}
	}
	return g
}

func makeBenchRow(rs *reactor.ReactiveSystem, sources []func() int, bc benchConfig, counter *int64, random *rand.Rand) []*reactor.Computed[int] {
	row := make([]*reactor.Computed[int], len(sources))
	for myDex := range sources {
		mySources := make([]func() int, 0, bc.nSources)
		for sourceDex := 0; sourceDex < bc.nSources; sourceDex++ {
			mySources = append(mySources, sources[(myDex+sourceDex)%len(sources)])
		}

		if random.Float64() < bc.staticFraction || len(mySources) < 2 {
			// static node, always reads every source
			row[myDex] = reactor.NewComputed(rs, func() (int, error) {
				*counter++
				sum := 0
				for _, source := range mySources {
					sum += source()
				}
				return sum, nil
			})
			continue
		}

		first := mySources[0]
		tail := mySources[1:]
		row[myDex] = reactor.NewComputed(rs, func() (int, error) {
			*counter++
			sum := first()
			shouldDrop := sum&0x1 > 0
			dropDex := sum % len(tail)
			for i, source := range tail {
				if shouldDrop && i == dropDex {
					continue
				}
				sum += source()
			}
			return sum, nil
		})
	}
	return row
}

// effect installs the eager watcher that sums the leaves it reads.
func (g *benchGraph) effect(rs *reactor.ReactiveSystem, bc benchConfig) (*reactor.Watcher, error) {
	leaves := g.layers[len(g.layers)-1]
	skipCount := int(math.Round(float64(len(leaves)) * (1 - bc.readFraction)))
	readLeaves := removeElems(leaves, skipCount, rand.New(rand.NewSource(0)))

	return reactor.NewWatcher(rs, nil, reactor.NamedFunc("leaves", func() (any, error) {
		sum := 0
		for _, leaf := range readLeaves {
			v, err := leaf.Value()
			if err != nil {
				return nil, err
			}
			sum += v
		}
		return sum, nil
	}), nil, reactor.WatcherOptions{Name: "leaves"})
}

// run writes one source per iteration and drains the resulting flush.
func (g *benchGraph) run(q *taskqueue.Queue, bc benchConfig, tach *tachymeter.Tachymeter) {
	for i := 0; i < bc.iterations; i++ {
		start := time.Now()
		sourceDex := i % len(g.sources)
		g.data.Set(g.sources[sourceDex], i+sourceDex)
		q.Drain()
		if tach != nil {
			tach.AddTime(time.Since(start))
		}
	}
}

func removeElems[T any](src []T, rmCount int, random *rand.Rand) []T {
	copyWithRemovals := make([]T, len(src))
	copy(copyWithRemovals, src)
	for i := 0; i < rmCount && len(copyWithRemovals) > 0; i++ {
		rmDex := random.Intn(len(copyWithRemovals))
		copyWithRemovals[rmDex] = copyWithRemovals[len(copyWithRemovals)-1]
		copyWithRemovals = copyWithRemovals[:len(copyWithRemovals)-1]
	}
	return copyWithRemovals
}

// metricRows flattens the gathered families into one row per series;
// histograms report their sample count.
func metricRows(test string, reg *prometheus.Registry) ([]table.Row, error) {
	mfs, err := reg.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "gathering metrics")
	}
	var rows []table.Row
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += fmt.Sprintf("{%s=%q}", lp.GetName(), lp.GetValue())
			}
			var value string
			switch {
			case m.GetCounter() != nil:
				value = humanize.Comma(int64(m.GetCounter().GetValue()))
			case m.GetGauge() != nil:
				value = humanize.Comma(int64(m.GetGauge().GetValue()))
			case m.GetHistogram() != nil:
				value = humanize.Comma(int64(m.GetHistogram().GetSampleCount())) + " samples"
			default:
				continue
			}
			rows = append(rows, table.Row{test, name, value})
		}
	}
	return rows, nil
}
