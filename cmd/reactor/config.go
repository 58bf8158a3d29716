package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/delaneyj/reactor/app"
	"github.com/delaneyj/reactor/pkg/taskqueue"
	"github.com/delaneyj/reactor/reactor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

//go:embed demo.yaml
var defaultConfig []byte

const (
	configKey   = "config"
	logLevelKey = "log-level"
)

type config struct {
	MaxUpdateCount   int                       `yaml:"max_update_count"`
	LogLevel         string                    `yaml:"log_level"`
	MetricsNamespace string                    `yaml:"metrics_namespace"`
	Data             map[string]any            `yaml:"data"`
	Computed         map[string]computedConfig `yaml:"computed"`
	Watch            []watchConfig             `yaml:"watch"`
	Steps            []stepConfig              `yaml:"steps"`
}

// computedConfig sums the numbers found at Sum.
type computedConfig struct {
	Sum []string `yaml:"sum"`
}

type watchConfig struct {
	Path                   string `yaml:"path"`
	reactor.WatcherOptions `yaml:",inline"`
}

// stepConfig is one mutation applied by the demo; exactly one of Set, Push
// and Delete names a path.
type stepConfig struct {
	Set    string `yaml:"set"`
	Push   string `yaml:"push"`
	Delete string `yaml:"delete"`
	Value  any    `yaml:"value"`
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    configKey,
			Aliases: []string{"c"},
			Usage:   "YAML config file, defaults to the built-in demo",
		},
		&cli.StringFlag{
			Name:  logLevelKey,
			Usage: "Override the configured log level",
		},
	}
}

func loadConfig(cmd *cli.Command) (*config, error) {
	raw := defaultConfig
	if path := cmd.String(configKey); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading config")
		}
		raw = b
	}
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	if lvl := cmd.String(logLevelKey); lvl != "" {
		cfg.LogLevel = lvl
	}
	return cfg, nil
}

func parseConfig(raw []byte) (*config, error) {
	cfg := &config{
		MaxUpdateCount:   reactor.DefaultMaxUpdateCount,
		LogLevel:         "info",
		MetricsNamespace: "reactor",
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	for i, s := range cfg.Steps {
		n := 0
		for _, p := range []string{s.Set, s.Push, s.Delete} {
			if p != "" {
				n++
			}
		}
		if n != 1 {
			return nil, errors.Newf("step %d must name exactly one of set, push or delete", i)
		}
	}
	return cfg, nil
}

func (cfg *config) logger() (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, errors.Wrapf(err, "log level %q", cfg.LogLevel)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// system builds a reactive system draining into q, with its collectors
// registered on reg when it is non-nil.
func (cfg *config) system(q *taskqueue.Queue, reg prometheus.Registerer) (*reactor.ReactiveSystem, error) {
	logger, err := cfg.logger()
	if err != nil {
		return nil, err
	}
	opts := []reactor.Option{
		reactor.WithTaskQueue(q),
		reactor.WithLogger(logger),
		reactor.WithMaxUpdateCount(cfg.MaxUpdateCount),
	}
	if reg != nil {
		opts = append(opts, reactor.WithRegisterer(reg, reactor.WithNamespace(cfg.MetricsNamespace)))
	}
	return reactor.NewReactiveSystem(opts...), nil
}

// options turns the config into app options whose watchers log every
// change.
func (cfg *config) options(logger *slog.Logger) app.Options {
	opts := app.Options{
		Data:     cfg.Data,
		Computed: map[string]any{},
		Watch:    map[string]any{},
	}
	for name, c := range cfg.Computed {
		paths := c.Sum
		opts.Computed[name] = app.Getter(func(i *app.Instance) (any, error) {
			var total float64
			for _, p := range paths {
				switch v := i.Get(p).(type) {
				case int:
					total += float64(v)
				case float64:
					total += v
				case nil:
				default:
					return nil, errors.Newf("%s is %T, not a number", p, v)
				}
			}
			return total, nil
		})
	}
	for _, wc := range cfg.Watch {
		opts.Watch[wc.Path] = app.WatchEntry{
			Handler: app.Handler(func(_ *app.Instance, v, old any, w *reactor.Watcher) {
				logger.Info("changed", "watcher", w.String(), "old", show(old), "new", show(v))
			}),
			WatcherOptions: wc.WatcherOptions,
		}
	}
	return opts
}

// apply performs one step against inst.
func (s stepConfig) apply(inst *app.Instance) error {
	switch {
	case s.Set != "":
		return inst.Data().SetPath(s.Set, s.Value)
	case s.Push != "":
		arr, ok := inst.Get(s.Push).(*reactor.Array)
		if !ok {
			return errors.Newf("%s is not an array", s.Push)
		}
		arr.Push(s.Value)
		return nil
	default:
		parent, key := splitPath(s.Delete)
		var target any = inst.Data()
		if parent != "" {
			target = inst.Get(parent)
		}
		if arr, ok := target.(*reactor.Array); ok {
			idx, err := strconv.Atoi(key)
			if err != nil {
				return errors.Wrapf(reactor.ErrInvalidKey, "%q", s.Delete)
			}
			return inst.Delete(arr, idx)
		}
		return inst.Delete(target, key)
	}
}

func (s stepConfig) String() string {
	switch {
	case s.Set != "":
		return fmt.Sprintf("set %s = %s", s.Set, show(s.Value))
	case s.Push != "":
		return fmt.Sprintf("push %s <- %s", s.Push, show(s.Value))
	default:
		return "delete " + s.Delete
	}
}

func splitPath(path string) (parent, key string) {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// show renders a value as single-line flow-style YAML.
func show(v any) string {
	var n yaml.Node
	if err := n.Encode(reactor.ToValue(v)); err != nil {
		return fmt.Sprint(v)
	}
	n.Style = yaml.FlowStyle
	b, err := yaml.Marshal(&n)
	if err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSpace(string(b))
}
