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

// Package zone tracks the scheduling inputs that are not rows: child zone
// health polled over HTTP and worker capability reports arriving over the
// bus.  The manager's run loop owns the zone map; everyone else reads
// copies.
package zone

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/eschercloudai/stratus/pkg/db"
)

var (
	//nolint:gochecknoglobals
	pollFailuresMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratus_zone_poll_failures_total",
		Help: "Child zone polls that failed.",
	}, []string{"zone"})
)

//nolint:gochecknoinits
func init() {
	prometheus.MustRegister(pollFailuresMetric)
}

// Info is the payload a zone's info endpoint serves, and what the poller
// expects back from its children.
type Info struct {
	Name         string            `json:"name"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
}

// ZoneState is one child zone as last observed.
type ZoneState struct {
	// ID is the zone's row ID.
	ID int64

	// Name is self reported by the zone.
	Name string

	// APIURL locates the zone's API daemon.
	APIURL string

	// IsActive is false once consecutive poll failures pass the
	// configured threshold, and true again after any success.
	IsActive bool

	// Capabilities are the zone's self reported, opaque advertisements.
	Capabilities map[string]string

	// Attempt counts consecutive failures since the last success.
	Attempt int

	// LastSeen is when the last successful poll landed.
	LastSeen time.Time

	// LastError describes the most recent failure.
	LastError string
}

// Capability is the spread of one metric across reporting hosts.
type Capability struct {
	Min int64
	Max int64
}

// Options are attachable to a flag set.
type Options struct {
	// PollInterval is how often child zones are polled.
	PollInterval time.Duration

	// DBCheckInterval is how often the zone map is reconciled with the
	// zones table.
	DBCheckInterval time.Duration

	// FailuresToOffline is how many consecutive poll failures mark a
	// zone inactive.
	FailuresToOffline int

	// PollConcurrency bounds how many zones are polled at once.
	PollConcurrency int

	// PollTimeout bounds one poll request.
	PollTimeout time.Duration
}

// AddFlags adds the options to the given flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.DurationVar(&o.PollInterval, "zone-poll-interval", 30*time.Second, "How often child zones are polled.")
	f.DurationVar(&o.DBCheckInterval, "zone-db-check-interval", time.Minute, "How often the zone map is reconciled with the database.")
	f.IntVar(&o.FailuresToOffline, "zone-failures-to-offline", 3, "Consecutive poll failures before a zone is marked inactive.")
	f.IntVar(&o.PollConcurrency, "zone-poll-concurrency", 10, "Concurrent zone polls.")
	f.DurationVar(&o.PollTimeout, "zone-poll-timeout", 10*time.Second, "Timeout for one zone poll.")
}

// entry pairs the published state with the poll credentials, which never
// leave the manager.
type entry struct {
	state    ZoneState
	username string
	password string
}

// Manager polls child zones and aggregates worker capability reports.
// Zone lifecycle (reconcile, poll, activation) is driven only by Run;
// Snapshot and ZoneCapabilities hand out copies.
type Manager struct {
	db      *db.DB
	client  *http.Client
	options *Options

	mutex    sync.RWMutex
	zones    map[int64]*entry
	services map[string]map[string]map[string]int64
}

// NewManager creates a zone manager.
func NewManager(database *db.DB, options *Options) *Manager {
	return &Manager{
		db:       database,
		client:   &http.Client{Timeout: options.PollTimeout},
		options:  options,
		zones:    map[int64]*entry{},
		services: map[string]map[string]map[string]int64{},
	}
}

// Run drives reconciliation and polling until the context ends.
func (m *Manager) Run(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx)

	log.Info("zone manager starting", "poll", m.options.PollInterval, "reconcile", m.options.DBCheckInterval)

	if err := m.Reconcile(ctx); err != nil {
		log.Error(err, "initial zone reconcile failed")
	}

	m.Poll(ctx)

	poll := time.NewTicker(m.options.PollInterval)
	defer poll.Stop()

	reconcile := time.NewTicker(m.options.DBCheckInterval)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reconcile.C:
			if err := m.Reconcile(ctx); err != nil {
				log.Error(err, "zone reconcile failed")
			}
		case <-poll.C:
			m.Poll(ctx)
		}
	}
}

// Reconcile folds the zones table into the in memory map: new rows start
// polling, changed rows pick up their new endpoint, deleted rows stop.
func (m *Manager) Reconcile(ctx context.Context) error {
	zones, err := m.db.ZoneGetAll(ctx)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	seen := map[int64]bool{}

	for i := range zones {
		zone := &zones[i]

		seen[zone.ID] = true

		existing, ok := m.zones[zone.ID]
		if !ok {
			m.zones[zone.ID] = &entry{
				state: ZoneState{
					ID:     zone.ID,
					APIURL: zone.APIURL,
				},
				username: zone.Username,
				password: zone.Password,
			}

			continue
		}

		existing.state.APIURL = zone.APIURL
		existing.username = zone.Username
		existing.password = zone.Password
	}

	for id := range m.zones {
		if !seen[id] {
			delete(m.zones, id)
		}
	}

	return nil
}

// pollResult carries one zone's outcome back to the run loop.
type pollResult struct {
	id   int64
	info *Info
	err  error
}

// Poll hits every known zone's info endpoint with bounded concurrency and
// applies the outcomes.
func (m *Manager) Poll(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx)

	m.mutex.RLock()

	targets := make([]*entry, 0, len(m.zones))

	for _, e := range m.zones {
		targets = append(targets, &entry{state: e.state, username: e.username, password: e.password})
	}

	m.mutex.RUnlock()

	if len(targets) == 0 {
		return
	}

	results := make([]pollResult, len(targets))

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(m.options.PollConcurrency)

	for i := range targets {
		i := i

		group.Go(func() error {
			info, err := m.pollOne(ctx, targets[i])

			results[i] = pollResult{id: targets[i].state.ID, info: info, err: err}

			return nil
		})
	}

	//nolint:errcheck
	group.Wait()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, result := range results {
		e, ok := m.zones[result.id]
		if !ok {
			// Reconciled away mid poll.
			continue
		}

		if result.err != nil {
			e.state.Attempt++
			e.state.LastError = result.err.Error()

			pollFailuresMetric.WithLabelValues(strconv.FormatInt(result.id, 10)).Inc()

			if e.state.Attempt >= m.options.FailuresToOffline {
				e.state.IsActive = false
			}

			log.Info("zone poll failed", "zone", result.id, "url", e.state.APIURL, "attempt", e.state.Attempt, "error", result.err.Error())

			continue
		}

		e.state.Attempt = 0
		e.state.IsActive = true
		e.state.Name = result.info.Name
		e.state.Capabilities = result.info.Capabilities
		e.state.LastSeen = time.Now().UTC()
		e.state.LastError = ""
	}
}

// pollOne fetches one zone's info document.
func (m *Manager) pollOne(ctx context.Context, e *entry) (*Info, error) {
	ctx, span := otel.GetTracerProvider().Tracer("pkg/zone").Start(ctx, "zone poll", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, e.state.APIURL+"/info", nil)
	if err != nil {
		return nil, err
	}

	if e.username != "" {
		request.SetBasicAuth(e.username, e.password)
	}

	response, err := m.client.Do(request)
	if err != nil {
		return nil, err
	}

	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("zone returned %d", response.StatusCode)
	}

	info := &Info{}

	if err := json.NewDecoder(response.Body).Decode(info); err != nil {
		return nil, err
	}

	return info, nil
}

// Snapshot returns a copy of every zone's state, ordered by ID.
func (m *Manager) Snapshot() []ZoneState {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	states := make([]ZoneState, 0, len(m.zones))

	for _, e := range m.zones {
		state := e.state

		if e.state.Capabilities != nil {
			state.Capabilities = make(map[string]string, len(e.state.Capabilities))

			for k, v := range e.state.Capabilities {
				state.Capabilities[k] = v
			}
		}

		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].ID < states[j].ID
	})

	return states
}

// ReportCapabilities records the latest capability map for one service on
// one host, replacing the previous report wholesale.
func (m *Manager) ReportCapabilities(service, host string, capabilities map[string]int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	hosts, ok := m.services[service]
	if !ok {
		hosts = map[string]map[string]int64{}
		m.services[service] = hosts
	}

	hosts[host] = capabilities
}

// ZoneCapabilities aggregates the reported metrics to their spread across
// hosts, keyed <service>_<metric>.  An empty service selects everything.
func (m *Manager) ZoneCapabilities(service string) map[string]Capability {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	aggregated := map[string]Capability{}

	for name, hosts := range m.services {
		if service != "" && name != service {
			continue
		}

		for _, capabilities := range hosts {
			for metric, value := range capabilities {
				key := name + "_" + metric

				spread, ok := aggregated[key]
				if !ok {
					aggregated[key] = Capability{Min: value, Max: value}

					continue
				}

				if value < spread.Min {
					spread.Min = value
				}

				if value > spread.Max {
					spread.Max = value
				}

				aggregated[key] = spread
			}
		}
	}

	return aggregated
}
