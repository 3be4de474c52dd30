// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Run runs the app until ctx is done or the process receives SIGINT or
// SIGTERM. SIGHUP reloads the capture configuration from the environment.
func (app *App) Run(ctx context.Context) error {
	var g run.Group

	{
		done := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case h := <-app.handoff:
					app.consume(ctx, h)
				case <-done:
					return nil
				}
			}
		}, func(error) {
			close(done)
		})
	}

	{
		done := make(chan struct{})
		g.Add(func() error {
			app.scheduler.Start()
			app.logger.Info("Started scheduled tasks")
			<-done
			return nil
		}, func(error) {
			close(done)
		})
	}

	{
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		done := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-hup:
					app.reload(ctx)
				case <-done:
					return nil
				}
			}
		}, func(error) {
			signal.Stop(hup)
			close(done)
		})
	}

	if addr := app.settings.metricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Add(func() error {
			app.logger.Infof("Serving metrics on %s", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				app.logger.Warnf("Error while shutting down the metrics server: %v", err)
			}
		})
	}

	{
		g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	}

	err := g.Run()
	app.shutdown()

	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.As(err, &run.SignalError{}):
		app.logger.Info("Exiting")
		return nil
	}
	return err
}

// shutdown stops the tasks, drains the hand-off queue and flushes every
// open bucket.
func (app *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.scheduler.Stop(ctx); err != nil {
		app.logger.Warnf("Error while stopping scheduled tasks: %v", err)
	}

drain:
	for {
		select {
		case h := <-app.handoff:
			app.consume(ctx, h)
		default:
			break drain
		}
	}

	// Flush as if the flush delay and the current interval had passed.
	flushAt := app.clock().Add(app.settings.flushDelay + app.settings.rollups[0].Interval())
	if err := app.accumulator.Flush(ctx, flushAt); err != nil {
		app.logger.Warnf("Failed to flush open aggregates: %v", err)
	}
}

func (app *App) reload(ctx context.Context) {
	if app.dotenv != "" {
		if err := godotenv.Overload(app.dotenv); err != nil {
			app.logger.Warnf("Failed to reload %s: %v", app.dotenv, err)
			return
		}
	}
	s, err := loadSettings()
	if err != nil {
		app.logger.Warnf("Ignoring configuration reload: %v", err)
		return
	}
	if err := app.UpdateCaptureConfig(ctx, s.capture); err != nil {
		app.logger.Warnf("Failed to apply capture configuration: %v", err)
		return
	}
	app.logger.Info("Reloaded capture configuration")
}
