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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/awslabs/drs-orchestrator/pkg/operator"
	"github.com/awslabs/drs-orchestrator/pkg/operator/options"
)

func main() {
	opts := options.New()
	fs := flag.NewFlagSet("drs-orchestrator", flag.ContinueOnError)
	opts.AddFlags(fs)
	if err := opts.Parse(fs, os.Args[1:]...); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	zapConfig := zap.NewProductionConfig()
	if level, err := zapcore.ParseLevel(opts.LogLevel); err == nil {
		zapConfig.Level = zap.NewAtomicLevelAt(level)
	}
	zapLogger, err := zapConfig.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()
	log := zapr.NewLogger(zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	op, err := operator.NewOperator(ctx, opts, log)
	if err != nil {
		log.Error(err, "building operator")
		os.Exit(1)
	}
	if err := op.Start(ctx); err != nil {
		log.Error(err, "running orchestrator")
		os.Exit(1)
	}
}
