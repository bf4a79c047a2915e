package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/0xPuncker/withings-sync-server/internal/config"
	"github.com/0xPuncker/withings-sync-server/internal/cron"
	"github.com/0xPuncker/withings-sync-server/internal/fileserver"
	"github.com/0xPuncker/withings-sync-server/internal/metrics"
	"github.com/0xPuncker/withings-sync-server/internal/runner"
	"github.com/sirupsen/logrus"
)

// app wires the file server, the scheduler and the optional metrics listener.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger

	metrics       *metrics.Metrics
	metricsServer *http.Server

	files     *fileserver.Server
	runner    *runner.Runner
	scheduler *cron.Scheduler
}

func newApp(cfg *config.Config, logger *logrus.Logger, opts ...cron.Option) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var serverOpts []fileserver.Option
	if cfg.Metrics.Address != "" {
		a.metrics = metrics.New()
		serverOpts = append(serverOpts, fileserver.WithRecorder(a.metrics))
		opts = append(opts, cron.WithRecorder(a.metrics))
	}

	files, err := fileserver.New(cfg.Server, logger, serverOpts...)
	if err != nil {
		return nil, err
	}
	a.files = files

	a.runner = runner.New(logger)
	a.scheduler = cron.NewScheduler(logger, cfg.Jobs, a.runner, opts...)

	return a, nil
}

// start brings up the listeners and registers the jobs. Listener failures are
// logged; only an invalid job definition is returned.
func (a *app) start() error {
	if err := a.files.Start(); err != nil {
		var bindErr *fileserver.BindError
		if errors.As(err, &bindErr) {
			a.logger.WithFields(logrus.Fields{
				"address": bindErr.Addr,
				"error":   bindErr.Err.Error(),
			}).Error("File server could not bind, continuing without it")
		} else {
			a.logger.Errorf("File server failed to start: %v", err)
		}
	}

	if a.metrics != nil {
		srv, err := a.metrics.Serve(a.cfg.Metrics.Address, a.logger)
		if err != nil {
			a.logger.Errorf("Metrics disabled: %v", err)
		} else {
			a.metricsServer = srv
		}
	}

	if err := a.scheduler.LoadPredefinedJobs(a.cfg.Jobs.Predefined); err != nil {
		return fmt.Errorf("failed to register jobs: %w", err)
	}

	for _, job := range a.scheduler.ListJobs() {
		a.logger.WithFields(logrus.Fields{
			"job":      job.Name,
			"schedule": job.Schedule,
			"next":     job.Next,
		}).Info("Job scheduled")
	}

	return nil
}

func (a *app) shutdown(ctx context.Context) {
	if err := a.files.Shutdown(ctx); err != nil {
		a.logger.Errorf("%v", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Errorf("Metrics server shutdown failed: %v", err)
		}
	}
	if err := a.runner.Close(); err != nil {
		a.logger.Warnf("Failed to close job logs: %v", err)
	}
}
