/*
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

// Package operator builds the broker's object graph: configuration, storage,
// the provisioning strategy and the command bus. Construction is explicit and
// happens once; the cloud client is the only lazily initialized piece so
// storage-only commands run without credentials.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/awslabs/open-resource-broker-sub001/pkg/apis/v1"
	awsclient "github.com/awslabs/open-resource-broker-sub001/pkg/aws"
	"github.com/awslabs/open-resource-broker-sub001/pkg/commands"
	"github.com/awslabs/open-resource-broker-sub001/pkg/errors"
	"github.com/awslabs/open-resource-broker-sub001/pkg/events"
	"github.com/awslabs/open-resource-broker-sub001/pkg/metrics"
	"github.com/awslabs/open-resource-broker-sub001/pkg/operator/options"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/asg"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/capacity"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/fleet"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/instance"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/launchtemplate"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/release"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/runinstances"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/selection"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/spotfleet"
	"github.com/awslabs/open-resource-broker-sub001/pkg/providers/strategy"
	"github.com/awslabs/open-resource-broker-sub001/pkg/resilience"
	"github.com/awslabs/open-resource-broker-sub001/pkg/storage"
	"github.com/awslabs/open-resource-broker-sub001/pkg/storage/jsonstore"
	"github.com/awslabs/open-resource-broker-sub001/pkg/storage/sqlstore"
	"github.com/awslabs/open-resource-broker-sub001/pkg/utils/log"
)

const shutdownTimeout = 10 * time.Second

// Operator owns the broker's long-lived components.
type Operator struct {
	Options   *options.Options
	Config    *Config
	Clock     clock.Clock
	Store     storage.Store
	Publisher events.Publisher
	Selector  *selection.Selector
	Policy    selection.Policy

	cloudOnce sync.Once
	cloudErr  error
	client    *awsclient.Client
	strategy  *strategy.Strategy
	bus       *commands.Bus
	localBus  *commands.Bus
}

// NewOperator loads configuration, opens storage and seeds templates. No cloud
// call happens here.
func NewOperator(ctx context.Context, opts *options.Options) (*Operator, error) {
	config, err := LoadConfig(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if opts.StoragePath != "" {
		config.Storage.Path = opts.StoragePath
	}
	store, err := openStore(config.Storage)
	if err != nil {
		return nil, err
	}
	for _, tmpl := range config.Templates {
		if err := store.Templates().Save(ctx, tmpl); err != nil {
			_ = store.Close()
			return nil, errors.Wrap(errors.KindConfiguration, err, "seeding template %s", tmpl.ID)
		}
	}
	if len(config.Templates) > 0 {
		log.FromContext(ctx).Infow("seeded templates from configuration", "count", len(config.Templates))
	}
	o := &Operator{
		Options:   opts,
		Config:    config,
		Clock:     clock.RealClock{},
		Store:     store,
		Publisher: events.NewDedupePublisher(events.NewLogPublisher()),
		Policy:    config.SelectionPolicy(),
	}
	selector, err := selection.NewSelector(config.SelectionInstances(), o.instanceHealthy)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	o.Selector = selector
	o.localBus = commands.NewDefaultBus(commands.Deps{
		Store:     o.Store,
		Selector:  o.Selector,
		Policy:    o.Policy,
		Publisher: o.Publisher,
	})
	return o, nil
}

func openStore(config StorageConfig) (storage.Store, error) {
	switch config.Strategy {
	case StorageSQL:
		return sqlstore.Open(config.Path)
	default:
		return jsonstore.Open(config.Path)
	}
}

// instanceHealthy backs health based selection. Before the cloud graph exists
// every instance counts as healthy, so local commands never block on a probe.
func (o *Operator) instanceHealthy(ctx context.Context, _ string) bool {
	if o.strategy == nil {
		return true
	}
	return o.strategy.CheckHealth(ctx).Healthy
}

// LocalBus dispatches commands that never leave storage, like template listing
// on a box without credentials.
func (o *Operator) LocalBus() *commands.Bus {
	return o.localBus
}

// CloudBus builds the cloud-backed provisioning graph on first use and returns
// the full command bus. The construction is a one-shot: a failed build is
// returned to every later caller rather than retried.
func (o *Operator) CloudBus(ctx context.Context) (*commands.Bus, error) {
	o.cloudOnce.Do(func() {
		client, err := awsclient.NewClient(ctx, o.clientOptions())
		if err != nil {
			o.cloudErr = err
			return
		}
		o.client = client
		exec := resilience.NewExecutor(o.Clock, o.Config.BreakerSettings())
		instances := instance.NewProvider(client.EC2, exec)
		lts := launchtemplate.NewProvider(client.EC2, exec, o.Config.LaunchTemplateOptions())
		registry := capacity.NewRegistry(
			runinstances.NewHandler(client.EC2, exec, instances),
			fleet.NewHandler(client.EC2, exec, instances),
			spotfleet.NewHandler(client.EC2, client.IAM, client.AccountID, exec, instances),
			asg.NewHandler(client.AutoScaling, exec, instances),
		)
		releases := release.NewEngine(client.EC2, client.AutoScaling, exec, registry, instances)
		strat := strategy.NewStrategy(registry, releases, instances, lts, client.STS, exec, templateSource{o.Store}, strategy.Options{})
		strat.Initialize()
		o.strategy = strat
		o.bus = commands.NewDefaultBus(commands.Deps{
			Store:     o.Store,
			Strategy:  strat,
			Selector:  o.Selector,
			Policy:    o.Policy,
			Publisher: o.Publisher,
		})
		log.FromContext(ctx).Infow("provisioning graph ready", "region", client.Region)
	})
	return o.bus, o.cloudErr
}

// clientOptions resolves the AWS client configuration: flags win, then the
// first enabled provider instance's config block, then the SDK's own chain.
func (o *Operator) clientOptions() awsclient.ClientOptions {
	opts := awsclient.ClientOptions{
		Region:   o.Options.Region,
		Profile:  o.Options.Profile,
		Endpoint: o.Options.Endpoint,
	}
	for _, p := range o.Config.Provider.Providers {
		if !p.Enabled {
			continue
		}
		if opts.Region == "" {
			opts.Region = p.Config["region"]
		}
		if opts.Profile == "" {
			opts.Profile = p.Config["profile"]
		}
		if opts.Endpoint == "" {
			opts.Endpoint = p.Config["endpoint"]
		}
		break
	}
	return opts
}

// Serve runs the admin surface and the background health poller until ctx is
// cancelled.
func (o *Operator) Serve(ctx context.Context) error {
	if _, err := o.CloudBus(ctx); err != nil {
		return err
	}
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	router.Get("/healthz", o.handleHealth)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", o.Options.AdminPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go o.pollHealth(ctx)
	errCh := make(chan error, 1)
	go func() {
		log.FromContext(ctx).Infow("admin server listening", "address", server.Addr)
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.FromContext(ctx).Infow("admin server stopped")
	return nil
}

func (o *Operator) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := o.strategy.CheckHealth(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !health.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy":   health.Healthy,
		"message":   health.Message,
		"accountId": health.AccountID,
		"checkedAt": health.CheckedAt,
	})
}

// pollHealth keeps the provider verdict warm for the health endpoint and for
// health based selection. Healthy probes run at the configured cadence; while
// the provider is down the cadence backs off exponentially so a broken
// endpoint is not hammered.
func (o *Operator) pollHealth(ctx context.Context) {
	interval := o.Config.HealthCheckInterval()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxInterval = 10 * interval
	bo.MaxElapsedTime = 0
	bo.Reset()
	wait := interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if health := o.strategy.CheckHealth(ctx); health.Healthy {
			bo.Reset()
			wait = interval
		} else {
			wait = bo.NextBackOff()
			log.FromContext(ctx).Warnw("provider unhealthy", "message", health.Message, "next-probe", wait)
		}
	}
}

// Close releases storage and cached provider state.
func (o *Operator) Close() error {
	if o.strategy != nil {
		o.strategy.Cleanup()
	}
	return o.Store.Close()
}

// templateSource serves the strategy's template listing from the store.
type templateSource struct {
	store storage.Store
}

func (s templateSource) ListTemplates(ctx context.Context) ([]*v1.Template, error) {
	return s.store.Templates().List(ctx)
}
