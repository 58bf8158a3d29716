package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/delaneyj/reactor/app"
	"github.com/delaneyj/reactor/pkg/taskqueue"
	"github.com/delaneyj/reactor/reactor"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

func demo(ctx context.Context, cmd *cli.Command) error {
	start := time.Now()
	log.Printf("Reactor demo started")
	defer func() {
		log.Printf("Reactor demo finished in %v", time.Since(start))
	}()

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
	if err := inst.Mount(); err != nil {
		return err
	}

	for i, step := range cfg.Steps {
		log.Printf("Step %d: %s", i+1, step)
		if err := step.apply(inst); err != nil {
			return errors.Wrapf(err, "step %d", i+1)
		}
		n := q.Drain()
		log.Printf("Step %d: %d tasks, %d flush cycles so far", i+1, n, rs.Scheduler().Cycle())
	}

	out, err := yaml.Marshal(reactor.ToValue(inst.Data()))
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
