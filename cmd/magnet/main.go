package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"

	"github.com/Prismadic/magnet/common/logger"
	"github.com/Prismadic/magnet/core/config"
	"github.com/Prismadic/magnet/internal/app"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&alignCmd{}, "bus")
	subcommands.Register(&infoCmd{}, "bus")
	subcommands.Register(&pulseCmd{}, "bus")
	subcommands.Register(&listenCmd{}, "bus")
	subcommands.Register(&empCmd{}, "maintenance")
	subcommands.Register(&resetCmd{}, "maintenance")
	subcommands.Register(&exciteCmd{}, "jobs")
	subcommands.Register(&jobsCmd{}, "jobs")
	subcommands.Register(&unclaimCmd{}, "jobs")
	subcommands.Register(&workCmd{}, "jobs")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env := &cliEnv{}
	defer env.close()

	os.Exit(int(subcommands.Execute(ctx, env)))
}

// cliEnv connects lazily so help and usage errors never dial the bus.
type cliEnv struct {
	app *app.App
}

func (e *cliEnv) connect(ctx context.Context) (*app.App, error) {
	if e.app != nil {
		return e.app, nil
	}
	cfg, err := config.Load(config.ServiceTypeCLI)
	if err != nil {
		return nil, err
	}
	logger.Setup(cfg)

	a, err := app.New(ctx, cfg, "magnet-cli")
	if err != nil {
		return nil, err
	}
	if err := a.Align(ctx); err != nil {
		return nil, err
	}
	e.app = a
	return a, nil
}

func (e *cliEnv) close() {
	if e.app != nil {
		e.app.Close(context.Background())
	}
}

// envFrom pulls the environment out of the Execute varargs and connects.
func envFrom(ctx context.Context, args []any) (*app.App, subcommands.ExitStatus) {
	for _, a := range args {
		if env, ok := a.(*cliEnv); ok {
			connected, err := env.connect(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "failed to connect", "error", err)
				fmt.Fprintf(os.Stderr, "magnet: %v\n", err)
				return nil, subcommands.ExitFailure
			}
			return connected, subcommands.ExitSuccess
		}
	}
	fmt.Fprintln(os.Stderr, "magnet: missing environment")
	return nil, subcommands.ExitFailure
}
