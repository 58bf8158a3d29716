package app

import (
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/delaneyj/reactor/reactor"
	"github.com/mitchellh/mapstructure"
)

type (
	Method  func(i *Instance, args ...any) (any, error)
	Hook    func(i *Instance)
	Getter  func(i *Instance) (any, error)
	Setter  func(i *Instance, value any)
	Handler func(i *Instance, newValue, oldValue any, w *reactor.Watcher)
)

const (
	HookBeforeCreate  = "beforeCreate"
	HookCreated       = "created"
	HookBeforeMount   = "beforeMount"
	HookConfigure     = "configure"
	HookMounted       = "mounted"
	HookBeforeDestroy = "beforeDestroy"
	HookDestroyed     = "destroyed"
)

// Options describe an instance. Computed values are a Getter, a
// ComputedEntry or an equivalent map; watch values are a Handler, the name
// of a method, a WatchEntry or an equivalent map.
type Options struct {
	Data     map[string]any    `mapstructure:"data"`
	Computed map[string]any    `mapstructure:"computed"`
	Methods  map[string]Method `mapstructure:"methods"`
	Watch    map[string]any    `mapstructure:"watch"`
	Hooks    map[string]Hook   `mapstructure:"hooks"`
}

type ComputedEntry struct {
	Get Getter `mapstructure:"get"`
	Set Setter `mapstructure:"set"`
	// Cache defaults to true; false re-evaluates Get on every read.
	Cache *bool `mapstructure:"cache"`
}

type WatchEntry struct {
	// Handler is a Handler or the name of a method, which is called with
	// (newValue, oldValue).
	Handler                any `mapstructure:"handler"`
	reactor.WatcherOptions `mapstructure:",squash"`
}

// DecodeOptions builds Options from a loosely typed map, such as one
// assembled from configuration.
func DecodeOptions(raw map[string]any) (Options, error) {
	var opts Options
	if err := decode(raw, &opts); err != nil {
		return Options{}, errors.Wrap(err, "decoding options")
	}
	return opts, nil
}

func decode(input, output any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  funcTypeHook,
		ErrorUnused: true,
		Result:      output,
	})
	if err != nil {
		return err
	}
	return d.Decode(input)
}

var funcTypes = []reflect.Type{
	reflect.TypeOf(Method(nil)),
	reflect.TypeOf(Hook(nil)),
	reflect.TypeOf(Getter(nil)),
	reflect.TypeOf(Setter(nil)),
	reflect.TypeOf(Handler(nil)),
}

// funcTypeHook lets unnamed function literals decode into the named
// function types above.
func funcTypeHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.Func || from == to {
		return data, nil
	}
	for _, ft := range funcTypes {
		if to == ft && from.ConvertibleTo(ft) {
			return reflect.ValueOf(data).Convert(ft).Interface(), nil
		}
	}
	return data, nil
}

func toComputedEntry(v any) (ComputedEntry, error) {
	switch x := v.(type) {
	case ComputedEntry:
		return x, nil
	case *ComputedEntry:
		return *x, nil
	case Getter:
		return ComputedEntry{Get: x}, nil
	case func(i *Instance) (any, error):
		return ComputedEntry{Get: x}, nil
	case map[string]any:
		var entry ComputedEntry
		if err := decode(x, &entry); err != nil {
			return ComputedEntry{}, err
		}
		return entry, nil
	}
	return ComputedEntry{}, errors.Wrapf(ErrInvalidOption, "computed entry of type %T", v)
}

func toWatchEntry(v any) (WatchEntry, error) {
	switch x := v.(type) {
	case WatchEntry:
		return x, nil
	case *WatchEntry:
		return *x, nil
	case string, Handler, func(i *Instance, newValue, oldValue any, w *reactor.Watcher):
		return WatchEntry{Handler: x}, nil
	case map[string]any:
		var entry WatchEntry
		if err := decode(x, &entry); err != nil {
			return WatchEntry{}, err
		}
		return entry, nil
	}
	return WatchEntry{}, errors.Wrapf(ErrInvalidOption, "watch entry of type %T", v)
}
