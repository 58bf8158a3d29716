package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/delaneyj/reactor/app"
	"github.com/delaneyj/reactor/pkg/taskqueue"
	"github.com/delaneyj/reactor/reactor"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
	"github.com/valyala/quicktemplate"
)

const formatKey = "format"

func graph(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	q := taskqueue.New()
	rs, err := cfg.system(q, nil)
	if err != nil {
		return err
	}
	inst, err := app.New(rs, cfg.options(rs.Logger()))
	if err != nil {
		return err
	}
	defer inst.Destroy()
	q.Drain()

	ws := instanceWatchers(inst)
	switch format := cmd.String(formatKey); format {
	case "table":
		writeTable(os.Stdout, ws)
	case "dot":
		writeDOT(os.Stdout, ws)
	default:
		return errors.Newf("unknown format %q", format)
	}
	return nil
}

// instanceWatchers returns the computed and user watchers of inst in
// creation order.
func instanceWatchers(inst *app.Instance) []*reactor.Watcher {
	var ws []*reactor.Watcher
	for _, name := range inst.ComputedNames() {
		ws = append(ws, inst.Computed(name))
	}
	ws = append(ws, inst.Watchers()...)
	slices.SortFunc(ws, func(a, b *reactor.Watcher) int {
		return int(a.ID()) - int(b.ID())
	})
	return ws
}

func sortedDeps(w *reactor.Watcher) []*reactor.Dependency {
	deps := w.Dependencies()
	slices.SortFunc(deps, func(a, b *reactor.Dependency) int {
		return int(a.ID()) - int(b.ID())
	})
	return deps
}

func mode(w *reactor.Watcher) string {
	switch {
	case !w.Active():
		return "stopped"
	case w.Lazy() && w.Dirty():
		return "lazy, dirty"
	case w.Lazy():
		return "lazy"
	}
	return "eager"
}

func writeTable(out io.Writer, ws []*reactor.Watcher) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"id", "watcher", "mode", "dependencies", "value"})
	for _, w := range ws {
		var labels []string
		for _, d := range sortedDeps(w) {
			labels = append(labels, d.Label())
		}
		table.Append([]string{
			strconv.FormatUint(w.ID(), 10),
			w.String(),
			mode(w),
			strings.Join(labels, ", "),
			show(w.Value()),
		})
	}
	table.Render()
}

// writeDOT renders watchers and the dependencies they subscribe to as a
// Graphviz digraph with edges pointing from dependency to subscriber.
func writeDOT(out io.Writer, ws []*reactor.Watcher) {
	qtw := quicktemplate.AcquireWriter(out)
	defer quicktemplate.ReleaseWriter(qtw)
	qw := qtw.N()

	qw.S("digraph reactor {\n\trankdir=LR;\n")
	seen := map[uint64]bool{}
	for _, w := range ws {
		wid := fmt.Sprintf("w%d", w.ID())
		qw.S("\t")
		qw.S(dotQuote(wid))
		qw.S(" [shape=ellipse, label=")
		qw.S(dotQuote(w.String() + " (" + mode(w) + ")"))
		qw.S("];\n")

		for _, d := range sortedDeps(w) {
			did := fmt.Sprintf("d%d", d.ID())
			if !seen[d.ID()] {
				seen[d.ID()] = true
				qw.S("\t")
				qw.S(dotQuote(did))
				qw.S(" [shape=box, label=")
				qw.S(dotQuote(d.Label()))
				qw.S("];\n")
			}
			qw.S("\t")
			qw.S(dotQuote(did))
			qw.S(" -> ")
			qw.S(dotQuote(wid))
			qw.S(";\n")
		}
	}
	qw.S("}\n")
}

// dotQuote renders s as a Graphviz quoted string, where only the quote and
// backslash need escaping.
func dotQuote(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			sb.WriteByte('\\')
			sb.WriteRune(r)
		case '\n':
			sb.WriteString(`\n`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
