/*
Copyright 2026 KiloClaw.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kiloclaw/kiloclaw/pkg/alarm"
	"github.com/kiloclaw/kiloclaw/pkg/constants"
	"github.com/kiloclaw/kiloclaw/pkg/controllers"
	"github.com/kiloclaw/kiloclaw/pkg/controllers/instance"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
	"github.com/kiloclaw/kiloclaw/pkg/registry"
	"github.com/kiloclaw/kiloclaw/pkg/server"
	"github.com/kiloclaw/kiloclaw/pkg/store"
	"github.com/kiloclaw/kiloclaw/pkg/util/retry"
)

// options aggregates the per-component options structs for flag
// registration.  Key material is deliberately absent; secrets are
// sourced from the environment so they never appear in process listings.
type options struct {
	server      server.Options
	fly         fly.Options
	store       store.Options
	registry    registry.Options
	controllers controllers.Options

	logLevel        string
	bootWaitTimeout time.Duration
	shutdownTimeout time.Duration
}

func (o *options) addFlags(f *pflag.FlagSet) {
	o.server.AddFlags(f)
	o.fly.AddFlags(f)
	o.store.AddFlags(f)
	o.registry.AddFlags(f)
	o.controllers.AddFlags(f)

	f.StringVar(&o.logLevel, "log-level", "info", "Log level (debug, info, warn, error).")
	f.DurationVar(&o.bootWaitTimeout, "boot-wait-timeout", time.Minute, "How long to wait for backing stores at boot.")
	f.DurationVar(&o.shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to drain in-flight requests on shutdown.")
}

// secrets is the key material read from the environment.
type secrets struct {
	flyToken    string
	internalKey string
	controller  instance.Secrets
}

// secretsFromEnv loads the key material.  Every value is required except
// the envelope key, which only disables encrypted user secrets when
// absent.
func secretsFromEnv() (*secrets, error) {
	s := &secrets{
		flyToken:    os.Getenv("FLY_API_TOKEN"),
		internalKey: os.Getenv("KILOCLAW_INTERNAL_KEY"),
	}

	if s.flyToken == "" {
		return nil, errors.New("FLY_API_TOKEN not set")
	}

	if s.internalKey == "" {
		return nil, errors.New("KILOCLAW_INTERNAL_KEY not set")
	}

	s.controller.GatewayHMACSecret = os.Getenv("KILOCLAW_GATEWAY_HMAC_SECRET")
	if s.controller.GatewayHMACSecret == "" {
		return nil, errors.New("KILOCLAW_GATEWAY_HMAC_SECRET not set")
	}

	if path := os.Getenv("KILOCLAW_ENVELOPE_KEY_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read envelope key: %w", err)
		}

		key, err := parseEnvelopeKey(data)
		if err != nil {
			return nil, err
		}

		s.controller.EnvelopeKey = key
	}

	return s, nil
}

// parseEnvelopeKey accepts the RSA private key in either PKCS#1 or
// PKCS#8 PEM encoding.
func parseEnvelopeKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("envelope key is not PEM encoded")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse envelope key: %w", err)
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("envelope key is not an RSA key")
	}

	return key, nil
}

// newLogger builds the process logger.  Log sinks expect JSON formatted
// output for everything.
func newLogger(level string) (logr.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return logr.Logger{}, fmt.Errorf("failed to parse log level: %w", err)
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(parsed)

	zapLog, err := config.Build()
	if err != nil {
		return logr.Logger{}, err
	}

	return zapr.NewLogger(zapLog).WithName(constants.Application), nil
}

// run wires the components together and serves until the context is
// cancelled.
//
//nolint:cyclop
func run(ctx context.Context, o *options) error {
	logger, err := newLogger(o.logLevel)
	if err != nil {
		return err
	}

	otel.SetLogger(logger)

	logger.Info("service starting", "application", constants.Application, "version", constants.Version, "revision", constants.Revision)

	keys, err := secretsFromEnv()
	if err != nil {
		return err
	}

	s := store.New(&o.store)

	// Backing stores come up in their own time under orchestration, so
	// poll rather than crash-loop.
	if err := retry.WithTimeout(o.bootWaitTimeout).Do(func() error { return s.Ping(ctx) }); err != nil {
		return fmt.Errorf("store never became ready: %w", err)
	}

	var reg registry.Reader

	if o.registry.DSN != "" {
		sqlReader, err := registry.New(&o.registry)
		if err != nil {
			return err
		}

		if err := retry.WithTimeout(o.bootWaitTimeout).Do(func() error { return sqlReader.Ping(ctx) }); err != nil {
			return fmt.Errorf("registry never became ready: %w", err)
		}

		reg = sqlReader
	}

	compute := fly.NewClient(&o.fly, keys.flyToken)

	// The scheduler needs the manager's alarm handler and the manager
	// needs the scheduler, so late-bind the handler.
	var manager *controllers.Manager

	scheduler := alarm.New(s, func(ctx context.Context, key string) {
		manager.HandleAlarm(ctx, key)
	}, logger)

	manager = controllers.New(&o.controllers, &keys.controller, compute, s, scheduler, reg)

	srv := server.New(&o.server, logger, manager, s, keys.internalKey)

	if err := srv.SetupOpenTelemetry(ctx); err != nil {
		return err
	}

	// Persisted alarms fire again before any request hydrates a
	// controller, so the reconciler and pending destroys survive
	// restarts.
	if err := scheduler.Rehydrate(ctx); err != nil {
		return fmt.Errorf("failed to rehydrate alarms: %w", err)
	}

	httpServer := srv.GetServer()

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		scheduler.Close()

		return err
	case <-ctx.Done():
	}

	logger.Info("service shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout)
	defer cancel()

	var errs error

	errs = multierr.Append(errs, httpServer.Shutdown(shutdownCtx))

	if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
		errs = multierr.Append(errs, err)
	}

	scheduler.Close()

	return errs
}

func newCommand() *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:           constants.Application,
		Short:         "KiloClaw platform API server.",
		Version:       constants.VersionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), o)
		},
	}

	o.addFlags(cmd.Flags())

	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
