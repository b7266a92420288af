// Copyright 2026 Solivar Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Command devmoded runs the device-mode control daemon's bus service.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/solivar/devmoded/pkg/config"
	"github.com/solivar/devmoded/pkg/eventloop"
	"github.com/solivar/devmoded/pkg/sysbus"
	"github.com/solivar/devmoded/pkg/wakelock"
)

var (
	flagSessionBus  bool
	flagLogLevel    string
	flagConfigFile  string
	flagMetricsAddr string
	flagWakelocks   bool
)

func main() {
	cmd := &cobra.Command{
		Use:          "devmoded",
		Short:        "device-mode control daemon",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return run()
		},
	}
	cmd.Flags().BoolVar(&flagSessionBus, "session-bus", false,
		"bind to the session bus instead of the system bus")
	cmd.Flags().StringVar(&flagLogLevel, "log-level", "info",
		"initial log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&flagConfigFile, "config", "/var/lib/devmoded/devmoded.toml",
		"settings persistence file")
	cmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "",
		"serve prometheus metrics on this address (empty disables)")
	cmd.Flags().BoolVar(&flagWakelocks, "wakelocks", true,
		"use the kernel wakelock interface when available")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	lg, props, err := log.InitLogger(&log.Config{Level: flagLogLevel})
	if err != nil {
		return err
	}
	log.ReplaceGlobals(lg, props)

	cfg := sysbus.DefaultConfig()
	if flagSessionBus {
		cfg.BusType = sysbus.SessionBus
	}

	loop := eventloop.New(clock.New())
	bus, err := sysbus.ConnectBus(cfg.BusType, loop)
	if err != nil {
		return err
	}

	store := config.NewStore()
	declareSettings(store)
	if err := store.Load(flagConfigFile); err != nil {
		log.Warn("loading settings failed, continuing with defaults",
			zap.String("path", flagConfigFile), zap.Error(err))
	}

	svc, err := sysbus.New(cfg, sysbus.Options{
		Bus:    bus,
		Loop:   loop,
		Locker: pickLocker(),
		Store:  store,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		svc.Close()
		return err
	}

	if flagMetricsAddr != "" {
		registry := prometheus.NewRegistry()
		sysbus.InitMetrics(registry)
		go func() {
			handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
			if err := http.ListenAndServe(flagMetricsAddr, handler); err != nil {
				log.Warn("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	err = svc.Run(ctx)

	if saveErr := store.Save(flagConfigFile); saveErr != nil {
		log.Warn("saving settings failed",
			zap.String("path", flagConfigFile), zap.Error(saveErr))
	}
	return err
}

func pickLocker() wakelock.Locker {
	if flagWakelocks {
		if _, err := os.Stat("/sys/power/wake_lock"); err == nil {
			return wakelock.NewSysfsLocker()
		}
		log.Info("kernel wakelock interface not present, using in-process locks")
	}
	return wakelock.NewMemLocker()
}

// declareSettings registers the daemon's setting keys and defaults.
func declareSettings(store *config.Store) {
	store.Declare("/display/brightness", config.Int(60))
	store.Declare("/display/dim-timeouts", config.IntList([]int32{15, 30, 60, 120, 180}))
	store.Declare("/display/als-enabled", config.Bool(true))
	store.Declare("/display/blank-timeout", config.Int(3))
	store.Declare("/powerkey/actions", config.StringList([]string{"blank", "tklock"}))
	store.Declare("/battery/low-threshold", config.Double(5.0))
	store.Declare("/usb/mode", config.String("charging"))
	store.Declare("/suspend/policy", config.String("enabled"))
}
