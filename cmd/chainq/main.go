// Command chainq is the operational entry point for the queue: it
// migrates a state store to the latest schema and can run a small
// in-process demo pipeline against SQLite.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rezkam/chainq"
	"github.com/rezkam/chainq/events"
	"github.com/rezkam/chainq/notify"
	"github.com/rezkam/chainq/pgstate"
	"github.com/rezkam/chainq/sqlitestate"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "migrate":
		err = migrate(ctx, os.Args[2:])
	case "demo":
		err = demo(ctx, log, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: chainq <command> [flags]

commands:
  migrate   migrate the state store to the latest schema
  demo      run a sample pipeline against a local SQLite store`)
}

// migrate opens the configured backend, which runs pending migrations
// as part of Open.
func migrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	backend := fs.String("backend", "postgres", "state store backend: postgres or sqlite")
	sqlitePath := fs.String("sqlite-path", "chainq.db", "database file for the sqlite backend")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch *backend {
	case "postgres":
		cfg, err := pgstate.LoadConfig()
		if err != nil {
			return err
		}
		store, err := pgstate.Open(ctx, cfg)
		if err != nil {
			return err
		}
		store.Close()
	case "sqlite":
		store, err := sqlitestate.Open(ctx, *sqlitePath)
		if err != nil {
			return err
		}
		return store.Close()
	default:
		return fmt.Errorf("unknown backend %q", *backend)
	}
	return nil
}

// demo runs a fan-out/fan-in pipeline end to end: a report chain waits
// for three part chains, sums their outputs and prints the result.
func demo(ctx context.Context, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	sqlitePath := fs.String("sqlite-path", "", "database file, empty for a temporary one")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address, empty to disable")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *sqlitePath
	if path == "" {
		dir, err := os.MkdirTemp("", "chainq-demo")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		path = dir + "/demo.db"
	}

	store, err := sqlitestate.Open(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := chainq.NewRegistry(
		chainq.JobType{Name: "report", Kind: chainq.KindEntry, Blockers: []string{"part"}},
		chainq.JobType{Name: "part", Kind: chainq.KindInternal},
	)
	if err != nil {
		return err
	}

	sink := events.NewSlogSink(log)
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		sink = events.Multi(sink, events.NewPrometheusSink(reg))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	client, err := chainq.NewClient(chainq.ClientConfig{
		Store:    store,
		Registry: registry,
		Notify:   notify.NewInProc(),
		Events:   sink,
	})
	if err != nil {
		return err
	}

	worker, err := chainq.NewWorker(client, chainq.WorkerConfig{
		Concurrency:  4,
		PollInterval: time.Second,
		Processors: map[string]chainq.Processor{
			"part": {Handler: func(ctx context.Context, a *chainq.Attempt) error {
				return a.Complete(ctx, func(ctx context.Context, cp *chainq.Completion) (json.RawMessage, error) {
					return a.Job().Input, nil
				})
			}},
			"report": {Handler: func(ctx context.Context, a *chainq.Attempt) error {
				total := 0
				for _, out := range a.BlockerOutputs() {
					var n int
					if err := json.Unmarshal(out, &n); err != nil {
						return err
					}
					total += n
				}
				return a.Complete(ctx, func(ctx context.Context, cp *chainq.Completion) (json.RawMessage, error) {
					return json.RawMessage(fmt.Sprintf("%d", total)), nil
				})
			}},
		},
	})
	if err != nil {
		return err
	}
	if err := worker.Start(ctx); err != nil {
		return err
	}
	defer worker.Stop(context.Background())

	var chain *chainq.Chain
	err = client.WithNotify(ctx, func(ctx context.Context) error {
		chain, err = client.StartJobChain(ctx, chainq.StartJobChainParams{
			TypeName: "report",
			StartBlockers: func(ctx context.Context, b *chainq.BlockerStarter) error {
				for i := 1; i <= 3; i++ {
					if _, err := b.Start(ctx, chainq.StartBlockerParams{
						TypeName: "part",
						Input:    json.RawMessage(fmt.Sprintf("%d", i)),
					}); err != nil {
						return err
					}
				}
				return nil
			},
		})
		return err
	})
	if err != nil {
		return err
	}

	job, err := client.WaitForJobChainCompletion(ctx, chain.ID, chainq.WaitOptions{Timeout: 30 * time.Second})
	if err != nil {
		return err
	}
	fmt.Printf("chain %s completed: %s\n", chain.ID, job.Output)
	return nil
}
