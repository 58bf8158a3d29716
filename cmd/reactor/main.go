package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "reactor",
		Usage: "Drive and inspect a reactive data system",
		Commands: []*cli.Command{
			{
				Name:   "demo",
				Usage:  "Apply the configured steps to the configured data and log every watcher callback",
				Flags:  configFlags(),
				Action: demo,
			},
			{
				Name:  "graph",
				Usage: "Print the dependency graph of the configured watchers",
				Flags: append(configFlags(),
					&cli.StringFlag{
						Name:  formatKey,
						Usage: "Output format, table or dot",
						Value: "table",
					},
				),
				Action: graph,
			},
			{
				Name:  "bench",
				Usage: "Benchmark propagation through layered computed graphs",
				Flags: append(configFlags(),
					&cli.IntFlag{
						Name:  iterationsKey,
						Usage: "Override the iteration count of every graph",
					},
					&cli.IntFlag{
						Name:  repeatsKey,
						Usage: "Runs per graph, the best is reported",
						Value: 5,
					},
					&cli.BoolFlag{
						Name:  metricsKey,
						Usage: "Print the Prometheus metrics gathered for each graph",
					},
				),
				Action: bench,
			},
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
