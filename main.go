// Copyright 2025 Nhat-Nguyen Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"diarygate/modules/appconfig"
	"diarygate/modules/capability"
	"diarygate/modules/clock"
	hmac_sign "diarygate/modules/hmac"
	"diarygate/modules/middleware"
	"diarygate/modules/middleware/ratelimit"
	mwusage "diarygate/modules/middleware/usage"
	"diarygate/modules/pipeline"
	rl "diarygate/modules/ratelimit"
	"diarygate/modules/server"
	"diarygate/modules/services"
	"diarygate/modules/telemetry"
)

func main() {
	exitCode := 0
	defer func() {
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	}()

	// cancel the context when these signals occur
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()

	// manual dependency injections, imo there's no need to over-engineer with DI frameworks like Fx or Wire

	appConfig, err := appconfig.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", slog.Any("error", err))
		exitCode = 1
		return
	}
	slog.SetLogLoggerLevel(appConfig.LogLevel)

	clk := clock.RealClockProvider()

	// --- telemetry ---

	otelShutdown, err := telemetry.Init(ctx, appConfig.Otel)
	if err != nil {
		slog.ErrorContext(ctx, "telemetry not properly configured", slog.Any("error", err))
		exitCode = 1
		return
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			slog.ErrorContext(ctx, "telemetry shutdown error", slog.Any("error", err))
		}
	}()

	httpMetrics, err := telemetry.NewHTTPMetrics(appConfig.Otel.ServiceName)
	if err != nil {
		slog.WarnContext(ctx, "failed to initialize HTTP metrics, continuing without metrics", slog.Any("error", err))
		httpMetrics = nil
	}
	pipelineMetrics, err := telemetry.NewPipelineMetrics(appConfig.Otel.ServiceName)
	if err != nil {
		slog.WarnContext(ctx, "failed to initialize pipeline metrics, continuing without metrics", slog.Any("error", err))
		pipelineMetrics = nil
	}

	// --- usage accounting ---

	accounting, err := newAccounting(ctx, appConfig)
	if err != nil {
		slog.ErrorContext(ctx, "usage accounting setup error", slog.Any("error", err))
		exitCode = 1
		return
	}
	defer accounting.Close(ctx, appConfig.HTTP.ShutdownTimeout)

	// --- admission ---

	limiter, err := rl.NewFixedWindowRateLimiter(
		clk,
		appConfig.Admission.Limit,
		appConfig.Admission.Window,
		rl.WithShards(appConfig.Admission.Shards),
		rl.WithSweepGrace(appConfig.Admission.SweepGrace),
	)
	if err != nil {
		slog.ErrorContext(ctx, "rate limiter setup error", slog.Any("error", err))
		exitCode = 1
		return
	}
	limiter.StartJanitor(ctx, appConfig.Admission.SweepInterval)

	// --- capabilities ---

	signer, err := hmac_sign.NewHMACSignerFromConfig(appConfig.Session)
	if err != nil {
		slog.ErrorContext(ctx, "hmac signer setup error", slog.Any("error", err))
		exitCode = 1
		return
	}
	resolver := capability.NewTokenResolver(signer, clk)

	keyFn, err := ratelimit.KeyFuncFor(appConfig.Admission, resolver)
	if err != nil {
		slog.ErrorContext(ctx, "rate limit key strategy error", slog.Any("error", err))
		exitCode = 1
		return
	}

	slog.Debug("admission config", slog.Any("admission", appConfig.Admission))

	// --- pipeline ---

	composer, err := pipeline.NewComposer(pipeline.Config{
		Reporter: middleware.MultiReporter(
			middleware.NewSlogReporter(slog.Default()),
			middleware.NewOtelReporter(pipelineMetrics),
		),
		Accountant: accounting.Accountant,
		AccountingOptions: []mwusage.Option{
			mwusage.WithBaseCost(appConfig.Usage.BaseCost),
			mwusage.WithClock(clk),
		},
		Limiter:  limiter,
		KeyFunc:  keyFn,
		Resolver: resolver,
		Metrics:  pipelineMetrics,
	})
	if err != nil {
		slog.ErrorContext(ctx, "pipeline setup error", slog.Any("error", err))
		exitCode = 1
		return
	}

	// --- application layer ---

	// a nil *MemoryLedger must not end up as a non-nil interface
	var usageReader services.UsageReader
	if accounting.Ledger != nil {
		usageReader = accounting.Ledger
	}
	diarySvc := services.NewDiaryAIService(composer, services.StubModel{}, usageReader, limiter, services.WithClock(clk))

	svcs := []server.RegistrableService{diarySvc}
	if appConfig.Otel.MetricsExporter == telemetry.MetricsExporterPrometheus {
		svcs = append(svcs, telemetry.ScrapeEndpoint{})
	}

	srv, err := server.New(
		appConfig.HTTP.Host, appConfig.HTTP.Port,
		server.WithReadTimeout(appConfig.HTTP.ReadTimeout),
		server.WithWriteTimeout(appConfig.HTTP.WriteTimeout),
		server.WithShutdownTimeout(appConfig.HTTP.ShutdownTimeout),
		server.WithServices(svcs...),
		server.WithGlobalMiddlewares(
			middleware.Telemetry(httpMetrics),
		),
	)
	if err != nil {
		slog.ErrorContext(ctx, "init server error", slog.Any("error", err))
		exitCode = 1
		return
	}

	if err := srv.Run(ctx); err != nil {
		slog.ErrorContext(ctx, "running server error", slog.Any("error", err))
		exitCode = 1
		return
	}
}
