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
	goerrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/eschercloudai/stratus/pkg/api"
	"github.com/eschercloudai/stratus/pkg/auth/drivers"
	"github.com/eschercloudai/stratus/pkg/cloud"
	"github.com/eschercloudai/stratus/pkg/constants"
	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/flags"
	"github.com/eschercloudai/stratus/pkg/image"
	"github.com/eschercloudai/stratus/pkg/metadata"
	"github.com/eschercloudai/stratus/pkg/network"
	"github.com/eschercloudai/stratus/pkg/quota"
	"github.com/eschercloudai/stratus/pkg/rpc"
	"github.com/eschercloudai/stratus/pkg/volume"
	"github.com/eschercloudai/stratus/pkg/zone"
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

// defaultHost names this daemon's direct queue.
func defaultHost() string {
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}

	return host
}

// main is the entry point to the API daemon.
func main() {
	// Initialize components with flags, then parse them.
	apiOptions := &api.Options{}
	apiOptions.AddFlags(pflag.CommandLine)

	dbOptions := &db.Options{}
	dbOptions.AddFlags(pflag.CommandLine)

	rpcOptions := &rpc.Options{}
	rpcOptions.AddFlags(pflag.CommandLine)

	authOptions := &drivers.Options{}
	authOptions.AddFlags(pflag.CommandLine)

	cloudOptions := &cloud.Options{}
	cloudOptions.AddFlags(pflag.CommandLine)

	quotaOptions := &quota.Options{}
	quotaOptions.AddFlags(pflag.CommandLine)

	networkOptions := &network.Options{}
	networkOptions.AddFlags(pflag.CommandLine)

	volumeOptions := &volume.Options{}
	volumeOptions.AddFlags(pflag.CommandLine)

	imageOptions := &image.Options{}
	imageOptions.AddFlags(pflag.CommandLine)

	zoneOptions := &zone.Options{}
	zoneOptions.AddFlags(pflag.CommandLine)

	metadataOptions := &metadata.Options{}
	metadataOptions.AddFlags(pflag.CommandLine)

	host := pflag.String("host", defaultHost(), "Name this daemon consumes its direct queue under.")
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

	authManager, err := authOptions.Manager()
	if err != nil {
		logger.Error(err, "failed to build directory manager")
		os.Exit(1)
	}

	transport := rpcOptions.Transport()
	client := rpc.NewClient(transport, rpcOptions)

	engine := quota.New(database, quotaOptions)
	networks := network.NewManager(database, client, networkOptions)
	volumes := volume.NewAPI(database, client, engine, volumeOptions)
	zones := zone.NewManager(database, zoneOptions)

	controller := cloud.NewController(database, client, image.NewClient(imageOptions), networks, volumes, engine, zones, cloudOptions)

	// Workers report state changes back on the cloud topic; the consumer
	// feeds them to the controller.
	consumer := rpc.NewServer(transport, constants.CloudTopic, *host)
	controller.Consumers(consumer)

	go func() {
		if err := consumer.Run(ctx); err != nil {
			logger.Error(err, "rpc consumer died")
		}
	}()

	go func() {
		if err := zones.Run(ctx); err != nil {
			logger.Error(err, "zone manager died")
		}
	}()

	server := api.NewServer(apiOptions, logger, authManager, controller, metadata.NewHandler(controller, metadataOptions))

	if err := server.SetupOpenTelemetry(ctx); err != nil {
		logger.Error(err, "failed to setup tracing")
		os.Exit(1)
	}

	httpServer := server.HTTPServer()

	go func() {
		<-ctx.Done()

		//nolint:contextcheck
		if err := httpServer.Shutdown(context.Background()); err != nil {
			logger.Error(err, "server shutdown failed")
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && !goerrors.Is(err, http.ErrServerClosed) {
		logger.Error(err, "server died unexpectedly")
		os.Exit(1)
	}
}
