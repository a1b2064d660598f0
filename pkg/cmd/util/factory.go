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

package util

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/auth/drivers"
	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/network"
	"github.com/eschercloudai/stratus/pkg/rpc"
)

// Factory owns the flag-configured connections every subcommand shares.
// Nothing is dialed until a leaf command asks for it.
type Factory struct {
	// DB configures the Postgres pool.
	DB *db.Options

	// Auth selects and configures the directory driver.
	Auth *drivers.Options

	// RPC configures the message broker.
	RPC *rpc.Options

	// Network configures address range carving.
	Network *network.Options
}

// NewFactory returns an empty factory ready for flag registration.
func NewFactory() *Factory {
	return &Factory{
		DB:      &db.Options{},
		Auth:    &drivers.Options{},
		RPC:     &rpc.Options{},
		Network: &network.Options{},
	}
}

// AddFlags registers the connection flags, typically on the root command's
// persistent set so every subcommand inherits them.
func (f *Factory) AddFlags(flags *pflag.FlagSet) {
	f.DB.AddFlags(flags)
	f.Auth.AddFlags(flags)
	f.RPC.AddFlags(flags)
	f.Network.AddFlags(flags)
}

// Database opens the pool and waits for the server to answer.
func (f *Factory) Database(ctx context.Context) (*db.DB, error) {
	database, err := db.Open(f.DB)
	if err != nil {
		return nil, err
	}

	if err := database.Wait(ctx); err != nil {
		return nil, err
	}

	return database, nil
}

// AuthManager builds the directory backed manager.
func (f *Factory) AuthManager() (*auth.Manager, error) {
	return f.Auth.Manager()
}

// NetworkManager builds the network manager over the database and broker.
func (f *Factory) NetworkManager(ctx context.Context) (*network.Manager, error) {
	database, err := f.Database(ctx)
	if err != nil {
		return nil, err
	}

	client := rpc.NewClient(f.RPC.Transport(), f.RPC)

	return network.NewManager(database, client, f.Network), nil
}
