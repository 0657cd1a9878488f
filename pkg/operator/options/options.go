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

// Package options holds the process configuration, populated from flags with
// environment-variable defaults.
package options

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Options struct {
	Region             string
	MetricsPort        int
	LogLevel           string
	RoleSessionName    string
	AssumeRoleDuration time.Duration
	SNSTopicARN        string

	ExecutionsTable     string
	WavesTable          string
	ServerLaunchesTable string
	CommandsTable       string
	AuditTable          string

	ProtectionGroupsTable string
	RecoveryPlansTable    string
	TargetAccountsTable   string

	DRSRequestsPerSecond float64
	DRSRequestBurst      int
	LaunchParallelism    int
	ConcurrentJobsLimit  int
}

func New() *Options {
	return &Options{}
}

func (o *Options) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.Region, "region", env("AWS_REGION", ""), "Home region for the state store and STS.")
	fs.IntVar(&o.MetricsPort, "metrics-port", envInt("METRICS_PORT", 8080), "Port serving /metrics and /healthz.")
	fs.StringVar(&o.LogLevel, "log-level", env("LOG_LEVEL", "info"), "Log level (debug, info, error).")
	fs.StringVar(&o.RoleSessionName, "role-session-name", env("ROLE_SESSION_NAME", "drs-orchestrator"), "STS session name used when assuming target-account roles.")
	fs.DurationVar(&o.AssumeRoleDuration, "assume-role-duration", envDuration("ASSUME_ROLE_DURATION", time.Hour), "Lifetime of assumed-role sessions.")
	fs.StringVar(&o.SNSTopicARN, "sns-topic-arn", env("SNS_TOPIC_ARN", ""), "Topic for execution lifecycle events; events are disabled when empty.")

	fs.StringVar(&o.ExecutionsTable, "executions-table", env("EXECUTIONS_TABLE", "drs-orchestrator-executions"), "DynamoDB table for executions.")
	fs.StringVar(&o.WavesTable, "waves-table", env("WAVES_TABLE", "drs-orchestrator-waves"), "DynamoDB table for wave executions.")
	fs.StringVar(&o.ServerLaunchesTable, "server-launches-table", env("SERVER_LAUNCHES_TABLE", "drs-orchestrator-server-launches"), "DynamoDB table for server launches.")
	fs.StringVar(&o.CommandsTable, "commands-table", env("COMMANDS_TABLE", "drs-orchestrator-commands"), "DynamoDB table for commands.")
	fs.StringVar(&o.AuditTable, "audit-table", env("AUDIT_TABLE", "drs-orchestrator-audit"), "DynamoDB table for the audit trail.")
	fs.StringVar(&o.ProtectionGroupsTable, "protection-groups-table", env("PROTECTION_GROUPS_TABLE", "drs-orchestrator-protection-groups"), "DynamoDB table for protection groups.")
	fs.StringVar(&o.RecoveryPlansTable, "recovery-plans-table", env("RECOVERY_PLANS_TABLE", "drs-orchestrator-recovery-plans"), "DynamoDB table for recovery plans.")
	fs.StringVar(&o.TargetAccountsTable, "target-accounts-table", env("TARGET_ACCOUNTS_TABLE", "drs-orchestrator-target-accounts"), "DynamoDB table for target accounts.")

	fs.Float64Var(&o.DRSRequestsPerSecond, "drs-qps", envFloat("DRS_QPS", 5), "Per-(account, region) DRS request rate.")
	fs.IntVar(&o.DRSRequestBurst, "drs-burst", envInt("DRS_BURST", 10), "Per-(account, region) DRS request burst.")
	fs.IntVar(&o.LaunchParallelism, "launch-parallelism", envInt("LAUNCH_PARALLELISM", 10), "Concurrent StartRecovery calls within a wave.")
	fs.IntVar(&o.ConcurrentJobsLimit, "concurrent-jobs-limit", envInt("CONCURRENT_JOBS_LIMIT", 20), "Account-level cap on in-flight recovery jobs.")
}

func (o *Options) Parse(fs *flag.FlagSet, args ...string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		return fmt.Errorf("parsing flags, %w", err)
	}
	return o.Validate()
}

func (o *Options) Validate() error {
	if o.Region == "" {
		return errors.New("region must be set via --region or AWS_REGION")
	}
	if o.ConcurrentJobsLimit <= 0 {
		return errors.New("concurrent-jobs-limit must be positive")
	}
	if o.LaunchParallelism <= 0 {
		return errors.New("launch-parallelism must be positive")
	}
	return nil
}

func env(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
