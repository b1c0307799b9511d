package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"invtasks/internal/app"
	"invtasks/internal/config"
	"invtasks/internal/storage"
	"invtasks/internal/task/registry"
	logx "invtasks/pkg/logx"
)

const usage = `usage: invtasks [-config path] [command]

commands:
  run                              run the worker, scheduler and ops server (default)
  dispatch [-sync] [-args json] id  offload one task (or run it inline with -sync) and exit
  migrate                          apply storage migrations and exit
`

func main() {
	_ = config.LoadDotEnv(".env")

	var cfgPath string
	flag.StringVar(&cfgPath, "config", os.Getenv(config.EnvPrefix+"_CONFIG"), "path to config yaml/json (empty: defaults + env)")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	cmd, rest := "run", []string(nil)
	if flag.NArg() > 0 {
		cmd, rest = flag.Arg(0), flag.Args()[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = run(cfgPath)
	case "dispatch":
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err = dispatchOnce(ctx, cfgPath, rest)
		cancel()
	case "migrate":
		err = migrate(cfgPath)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// run blocks until a signal arrives or the app stops itself.
func run(cfgPath string) error {
	ctx := context.Background()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	notify(a.Logger(), daemon.SdNotifyReady)

	// The first goroutine to return decides why the process stops.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case s := <-sigCh:
			if s == syscall.SIGTERM {
				return stopErr{app.StopSIGTERM}
			}
			return stopErr{app.StopSIGINT}
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		select {
		case <-a.Done():
			if err := a.Err(); err != nil {
				return err
			}
			return stopErr{app.StopAppStop}
		case <-gctx.Done():
			return nil
		}
	})

	reason := app.StopUnknown
	runErr := g.Wait()
	var se stopErr
	switch {
	case errors.As(runErr, &se):
		reason, runErr = se.reason, nil
	case runErr != nil:
		reason = app.StopFatalError
	}

	notify(a.Logger(), daemon.SdNotifyStopping)
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return runErr
}

type stopErr struct{ reason app.StopReason }

func (e stopErr) Error() string { return "stop: " + string(e.reason) }

// dispatchOnce starts the app, dispatches one task and waits for the engine
// to drain before stopping.
func dispatchOnce(ctx context.Context, cfgPath string, argv []string) error {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	sync := fs.Bool("sync", false, "run inline instead of offloading")
	rawArgs := fs.String("args", "", `task arguments as JSON: {"args":[...],"kwargs":{...}}`)
	wait := fs.Duration("wait", 5*time.Minute, "max time to wait for offloaded work")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("dispatch: exactly one task identifier required")
	}
	id := fs.Arg(0)

	var args registry.Args
	if *rawArgs != "" {
		if err := json.Unmarshal([]byte(*rawArgs), &args); err != nil {
			return fmt.Errorf("dispatch: invalid -args: %w", err)
		}
	}

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	dispErr := a.Dispatch(ctx, id, args, *sync)
	if dispErr == nil && !*sync {
		waitCtx, cancel := context.WithTimeout(ctx, *wait)
		if err := a.WaitIdle(waitCtx); err != nil {
			a.Logger().Warn("engine did not drain before exit", logx.Err(err))
		}
		cancel()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, app.StopOneShot)
	return dispErr
}

// migrate opens the configured store, which applies pending migrations.
func migrate(cfgPath string) error {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}
	log := logx.NewConsole(cfg.Logging.Level)
	store, err := storage.Open(storage.Config{
		Driver: cfg.Storage.Driver,
		Path:   cfg.Storage.Path,
		DSN:    cfg.Storage.DSN,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	if store == nil {
		log.Warn("storage disabled; nothing to migrate")
		return nil
	}
	log.Info("storage migrated", logx.String("driver", store.Driver()))
	return store.Close()
}

// notify is a no-op outside systemd (NOTIFY_SOCKET unset).
func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}
