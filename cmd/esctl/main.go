// Command esctl inspects event streams in the configured store and runs a
// demo scenario against it. The store is selected through the ES_*
// environment variables, see package config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	es "github.com/terraskye/erp-eventsourcing"
	"github.com/terraskye/erp-eventsourcing/bootstrap"
	"github.com/terraskye/erp-eventsourcing/config"
	"github.com/terraskye/erp-eventsourcing/domain/auth"
	"github.com/terraskye/erp-eventsourcing/domain/finance"
)

var errUsage = errors.New("usage")

const usage = `Usage: esctl [-json] <command> [arguments]

Commands:
  stream <aggregate-id>                  print all events of a stream
  from <aggregate-id> <after-version>    print the events after a version
  types <aggregate-type> [-event T] [-since RFC3339] [-limit N]
                                         print events across aggregates of a type
  demo                                   run the login and invoice scenario
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRegistry() *es.EventRegistry {
	registry := es.NewEventRegistry()
	auth.RegisterEvents(registry)
	finance.RegisterEvents(registry)
	return registry
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("esctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOutput := fs.Bool("json", false, "print one JSON envelope per line")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	registry := newRegistry()

	env, err := bootstrap.Open(ctx, cfg, registry, cfg.Logger())
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.OperationTimeout)
	defer cancel()

	out := &printer{w: stdout, json: *jsonOutput, registry: registry}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	switch cmd {
	case "stream":
		if len(rest) != 1 {
			return errUsage
		}
		return out.print(ctx)(env.Store.ReadStream(ctx, rest[0]))

	case "from":
		if len(rest) != 2 {
			return errUsage
		}
		after, err := strconv.ParseUint(rest[1], 10, 64)
		if err != nil {
			return fmt.Errorf("after-version: %w", err)
		}
		return out.print(ctx)(env.Store.ReadStreamFromVersion(ctx, rest[0], after))

	case "types":
		query, err := parseTypeQuery(rest)
		if err != nil {
			return err
		}
		return out.print(ctx)(env.Store.ReadByType(ctx, query))

	case "demo":
		return runDemo(ctx, env, cfg.Logrus(), stdout)

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func parseTypeQuery(args []string) (es.TypeQuery, error) {
	if len(args) == 0 {
		return es.TypeQuery{}, errUsage
	}
	query := es.TypeQuery{AggregateType: args[0]}

	fs := flag.NewFlagSet("types", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&query.EventType, "event", "", "only this event type")
	since := fs.String("since", "", "only events at or after this RFC3339 time")
	fs.IntVar(&query.Limit, "limit", 0, "maximum number of events (0 = no limit)")
	if err := fs.Parse(args[1:]); err != nil {
		return es.TypeQuery{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			return es.TypeQuery{}, fmt.Errorf("since: %w", err)
		}
		query.Since = t
	}
	if err := query.Validate(); err != nil {
		return es.TypeQuery{}, err
	}
	return query, nil
}
