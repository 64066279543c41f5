// Copyright The Propsd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command propsd serves a node's dynamic property tree: an index source
// fans out to object-store and service-catalog children, instance metadata
// drives template interpolation, secrets are resolved through a tokend
// broker, and the merged result is served over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/propsd/propsd/internal/config"
	"github.com/propsd/propsd/internal/httpapi"
	"github.com/propsd/propsd/internal/plugin"
	"github.com/propsd/propsd/internal/secret"
	"github.com/propsd/propsd/internal/source/metadata"
	"github.com/propsd/propsd/internal/source/objectstore"
	"github.com/propsd/propsd/internal/storage"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.Parse("propsd", "A per-node dynamic property server.", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "propsd:", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.LogLevel)
	secret.RegisterMetrics(prometheus.DefaultRegisterer)

	ctx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	broker := secret.NewHTTPBroker(fmt.Sprintf("http://%s:%d", cfg.SecretBrokerHost, cfg.SecretBrokerPort))
	transformer := secret.NewTransformer(broker, cfg.CacheTTL, logger)

	st := storage.New(cfg.BuildHoldDown, transformer, logger)

	indexClient, err := objectstore.NewClient(ctx, objectstore.Params{
		Bucket:   cfg.IndexBucket,
		Endpoint: cfg.IndexEndpoint,
		Region:   cfg.IndexRegion,
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "failed to build object-store client for the index source", "err", err)
		os.Exit(1)
	}
	indexSource := objectstore.New("index", indexClient, objectstore.Params{
		Bucket:   cfg.IndexBucket,
		Path:     cfg.IndexPath,
		Endpoint: cfg.IndexEndpoint,
		Region:   cfg.IndexRegion,
		Interval: cfg.IndexInterval,
	}, objectstore.ParseIndexSources, logger)

	metadataClient, err := metadata.NewGCEClient(cfg.MetadataHost)
	if err != nil {
		_ = level.Error(logger).Log("msg", "failed to build metadata client", "err", err)
		os.Exit(1)
	}
	metadataSource := metadata.New(metadataClient, metadata.NewIAMTokenFetcher(metadataClient), cfg.IndexInterval, logger)

	manager := plugin.New(indexSource, metadataSource, st, plugin.NewStandardFactory(logger), logger)

	server := httpapi.New(st, indexSource, version)
	httpServer := &http.Server{Addr: cfg.ListenAddress, Handler: server}

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(func() error {
			select {
			case <-term:
				_ = level.Info(logger).Log("msg", "received termination signal, shutting down")
			case <-ctx.Done():
			}
			return nil
		}, func(error) {
			cancelRoot()
		})
	}
	{
		g.Add(func() error {
			transformer.RunJanitor(ctx)
			return nil
		}, func(error) {
			cancelRoot()
		})
	}
	{
		g.Add(func() error {
			if err := manager.Initialize(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		}, func(error) {
			manager.Shutdown()
		})
	}
	{
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "serving HTTP API", "addr", cfg.ListenAddress)
			return httpServer.ListenAndServe()
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		})
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "propsd exited with error", "err", err)
		os.Exit(1)
	}
}
