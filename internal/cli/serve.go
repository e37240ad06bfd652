package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pxarchive/internal/controller"
	"github.com/roach88/pxarchive/internal/httpapi"
)

const shutdownTimeout = 30 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the control API",
		Long: `Run pxarchive as a service.

Starts the weekly scheduled sync (sync.weekday at sync.at), the daily media
cleanup (media.cleanup_at), and the HTTP control API when http.listen is set.
Manual syncs started through the API preempt a running scheduled sync, which
restarts when the manual run ends. SIGINT or SIGTERM cancels active runs and
exits.

Example:
  pxarchive serve --config /etc/pxarchive/pxarchive.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *RootOptions) error {
	out := newFormatter(cmd, opts)
	a, err := openApp(cmd, opts, out)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := a.engine()
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeRemote, "failed to connect to archive", err)
	}
	bk, err := a.backuper(ctx)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeBackup, "failed to configure backup", err)
	}

	ctrlOpts := []controller.Option{
		controller.WithJournal(a.store),
		controller.WithNow(a.deps.Now),
		controller.WithLogger(a.logger),
	}
	if bk != nil {
		ctrlOpts = append(ctrlOpts, controller.WithBackup(bk))
	}
	ctrl := controller.New(eng, ctrlOpts...)

	trigger, err := a.newTrigger(ctrl)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeConfig, "invalid schedule", err)
	}
	if err := trigger.Start(ctx); err != nil {
		return out.Fail(ExitFailure, ErrCodeGeneric, "failed to start scheduler", err)
	}

	serveErr := make(chan error, 1)
	var srv *http.Server
	if listen := a.cfg.HTTP.Listen; listen != "" {
		plan, _ := a.defaultPlan()
		srv = &http.Server{
			Addr: listen,
			Handler: httpapi.New(ctrl, a.store, httpapi.Config{
				Token:  a.cfg.HTTP.Token,
				Order:  plan.Order,
				Logger: a.logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("control API listening", "addr", listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	out.Diag("pxarchive serving. Press Ctrl-C to stop.")
	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("received signal, shutting down")
	case err := <-serveErr:
		runErr = out.Fail(ExitFailure, ErrCodeGeneric, "control API failed", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := trigger.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler stop", "error", err)
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("control API shutdown", "error", err)
		}
	}
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("sync shutdown", "error", err)
	}
	a.logger.Info("stopped")
	return runErr
}

// newTrigger schedules the weekly sync and the daily media cleanup.
func (a *app) newTrigger(ctrl *controller.Controller) (*controller.Trigger, error) {
	loc, err := a.cfg.Location()
	if err != nil {
		return nil, err
	}
	plan, err := a.defaultPlan()
	if err != nil {
		return nil, err
	}
	weekday, err := controller.ParseWeekday(a.cfg.Sync.Weekday)
	if err != nil {
		return nil, err
	}
	syncHour, syncMinute, err := controller.ParseClock(a.cfg.Sync.At)
	if err != nil {
		return nil, fmt.Errorf("sync.at: %w", err)
	}
	cleanHour, cleanMinute, err := controller.ParseClock(a.cfg.Media.CleanupAt)
	if err != nil {
		return nil, fmt.Errorf("media.cleanup_at: %w", err)
	}

	jobs := []controller.Job{
		{
			Name:     "scheduled-sync",
			Weekdays: []time.Weekday{weekday},
			Hour:     syncHour,
			Minute:   syncMinute,
			Run: func(ctx context.Context) {
				if _, err := ctrl.Start(ctx, controller.KindScheduled, plan); err != nil {
					a.logger.Warn("scheduled sync not started", "error", err)
				}
			},
		},
		{
			Name:   "media-cleanup",
			Hour:   cleanHour,
			Minute: cleanMinute,
			Run: func(ctx context.Context) {
				if _, err := a.sweep(); err != nil {
					a.logger.Error("media cleanup failed", "error", err)
				}
			},
		},
	}
	return controller.NewTrigger(controller.TriggerConfig{Location: loc, Now: a.deps.Now}, a.logger, jobs...), nil
}
