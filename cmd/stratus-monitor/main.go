/*
Copyright 2022-2024 EscherCloud.

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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/eschercloudai/stratus/pkg/constants"
	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/flags"
	"github.com/eschercloudai/stratus/pkg/monitor"
)

// newLogger builds the process logger.  Debug swaps the JSON encoder for a
// human readable one.
func newLogger(debug bool) logr.Logger {
	config := zap.NewProductionConfig()

	if debug {
		config = zap.NewDevelopmentConfig()
	}

	return zapr.NewLogger(zap.Must(config.Build())).WithName(constants.Application)
}

// main is the entry point to the monitor daemon.
func main() {
	// Initialize components with flags, then parse them.
	monitorOptions := &monitor.Options{}
	monitorOptions.AddFlags(pflag.CommandLine)

	dbOptions := &db.Options{}
	dbOptions.AddFlags(pflag.CommandLine)

	debug := pflag.Bool("log-debug", false, "Log human readable output at debug level.")
	configFile := flags.ConfigFileFlags(pflag.CommandLine)

	pflag.Parse()

	if err := flags.ApplyConfigFile(pflag.CommandLine, *configFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Get logging going first, log sinks will expect JSON formatted output
	// for everything.
	logger := newLogger(*debug)

	// Hello World!
	logger.Info("service starting", "application", constants.Application, "version", constants.Version, "revision", constants.Revision)

	ctx, cancel := context.WithCancel(logr.NewContext(context.Background(), logger))
	defer cancel()

	// Register a signal handler to trigger a graceful shutdown.
	stop := make(chan os.Signal, 1)

	signal.Notify(stop, syscall.SIGTERM)

	go func() {
		<-stop

		// Cancel anything hanging off the root context.
		cancel()
	}()

	database, err := db.Open(dbOptions)
	if err != nil {
		logger.Error(err, "failed to open database")
		os.Exit(1)
	}

	if err := database.Wait(ctx); err != nil {
		logger.Error(err, "database never became ready")
		os.Exit(1)
	}

	monitor.Run(ctx, database, monitorOptions)
}
