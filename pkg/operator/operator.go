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

// Package operator assembles the engine: AWS clients, providers, the state
// store, and the supervisor registry, plus the metrics endpoint.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/drs"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/go-logr/logr"
	prometheusv2 "github.com/jonathan-innis/aws-sdk-go-prometheus/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/awslabs/drs-orchestrator/pkg/apis"
	"github.com/awslabs/drs-orchestrator/pkg/aws/sdk"
	"github.com/awslabs/drs-orchestrator/pkg/engine/gateway"
	"github.com/awslabs/drs-orchestrator/pkg/engine/poller"
	"github.com/awslabs/drs-orchestrator/pkg/engine/supervisor"
	"github.com/awslabs/drs-orchestrator/pkg/engine/waverunner"
	"github.com/awslabs/drs-orchestrator/pkg/events"
	"github.com/awslabs/drs-orchestrator/pkg/metrics"
	"github.com/awslabs/drs-orchestrator/pkg/operator/options"
	"github.com/awslabs/drs-orchestrator/pkg/providers/credentials"
	drsprovider "github.com/awslabs/drs-orchestrator/pkg/providers/drs"
	"github.com/awslabs/drs-orchestrator/pkg/providers/instance"
	"github.com/awslabs/drs-orchestrator/pkg/store"
	"github.com/awslabs/drs-orchestrator/pkg/store/dynamo"
)

type Operator struct {
	Gateway  *gateway.Gateway
	Registry *supervisor.Registry
	Store    store.Store
	Catalog  store.Catalog
	log      logr.Logger
	opts     *options.Options
}

// NewOperator wires the engine against real AWS clients. The catalog tables
// are read-only here; plans and groups are managed outside the engine.
func NewOperator(ctx context.Context, opts *options.Options, log logr.Logger) (*Operator, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config, %w", err)
	}
	cfg = prometheusv2.WithPrometheusMetrics(cfg, metrics.Registry)

	ddb := dynamodb.NewFromConfig(cfg)
	catalog := dynamo.NewCatalog(ddb, dynamo.CatalogTables{
		ProtectionGroups: opts.ProtectionGroupsTable,
		RecoveryPlans:    opts.RecoveryPlansTable,
		TargetAccounts:   opts.TargetAccountsTable,
	})
	stateStore := dynamo.NewStore(ddb, dynamo.TableNames{
		Executions:     opts.ExecutionsTable,
		Waves:          opts.WavesTable,
		ServerLaunches: opts.ServerLaunchesTable,
		Commands:       opts.CommandsTable,
		Audit:          opts.AuditTable,
	})

	credentialsProvider := credentials.NewDefaultProvider(sts.NewFromConfig(cfg), opts.RoleSessionName, opts.AssumeRoleDuration)
	drsFactory := func(account apis.TargetAccount, creds aws.CredentialsProvider) sdk.DRSAPI {
		return drs.NewFromConfig(cfg, func(o *drs.Options) {
			o.Region = account.Region
			o.Credentials = creds
		})
	}
	ec2Factory := func(account apis.TargetAccount, creds aws.CredentialsProvider) sdk.EC2API {
		return ec2.NewFromConfig(cfg, func(o *ec2.Options) {
			o.Region = account.Region
			o.Credentials = creds
		})
	}
	drsProvider := drsprovider.NewDefaultProvider(ctx, credentialsProvider, drsFactory, opts.DRSRequestsPerSecond, opts.DRSRequestBurst)
	instanceProvider := instance.NewDefaultProvider(credentialsProvider, ec2Factory)

	var sink events.Sink = events.NoopSink{}
	if opts.SNSTopicARN != "" {
		sink = events.NewSNSSink(sns.NewFromConfig(cfg), opts.SNSTopicARN)
	}

	clk := clock.RealClock{}
	jobPoller := poller.NewPoller(drsProvider, credentialsProvider, stateStore, clk, poller.DefaultConfig(), log)
	waveConfig := waverunner.DefaultConfig()
	waveConfig.LaunchParallelism = opts.LaunchParallelism
	waveConfig.ConcurrentJobsLimit = opts.ConcurrentJobsLimit
	waveRunner := waverunner.NewWaveRunner(stateStore, catalog, drsProvider, jobPoller, clk, waveConfig, log)
	sup := supervisor.NewSupervisor(stateStore, catalog, waveRunner, sink, clk, supervisor.DefaultConfig(), log)
	registry := supervisor.NewRegistry(sup, stateStore, log)
	gw := gateway.NewGateway(ctx, stateStore, catalog, registry, drsProvider, instanceProvider, clk, log)

	return &Operator{
		Gateway:  gw,
		Registry: registry,
		Store:    stateStore,
		Catalog:  catalog,
		log:      log.WithName("operator"),
		opts:     opts,
	}, nil
}

// Start rehydrates in-flight executions and serves metrics until ctx is
// cancelled, then waits for supervisors to stop.
func (o *Operator) Start(ctx context.Context) error {
	if err := o.Registry.Rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrating executions, %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", o.opts.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	o.log.Info("serving metrics", "port", o.opts.MetricsPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server, %w", err)
	}
	o.Registry.Wait()
	return nil
}
