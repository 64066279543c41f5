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

// Package config wires propsd's command-line flags and optional YAML
// config file into a single Config value: kingpin.Flag definitions with
// defaults for the recognized environment/config inputs, overlaid by an
// optional YAML file for the index/metadata/broker settings block.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
)

// Config holds every recognized propsd option.
type Config struct {
	LogLevel string `yaml:"log_level"`

	IndexInterval time.Duration `yaml:"index_interval"`
	IndexBucket   string        `yaml:"index_bucket"`
	IndexPath     string        `yaml:"index_path"`
	IndexEndpoint string        `yaml:"index_endpoint"`
	IndexRegion   string        `yaml:"index_region"`

	MetadataHost string `yaml:"metadata_host"`

	SecretBrokerHost string `yaml:"secret_broker_host"`
	SecretBrokerPort int    `yaml:"secret_broker_port"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`

	BuildHoldDown time.Duration `yaml:"build_hold_down"`

	ListenAddress string `yaml:"listen_address"`
	ConfigFile    string `yaml:"-"`
}

// Default returns a Config populated with propsd's documented defaults.
func Default() Config {
	return Config{
		LogLevel:         "info",
		IndexInterval:    60 * time.Second,
		SecretBrokerHost: "127.0.0.1",
		SecretBrokerPort: 4500,
		CacheTTL:         300 * time.Second,
		BuildHoldDown:    100 * time.Millisecond,
		ListenAddress:    ":9100",
	}
}

// Parse builds an Application with kingpin flags seeded from Default(),
// parses args against it, then overlays any "config.file" YAML document on
// top. Every key present in the file overwrites the parsed value, whether
// that value came from a flag default, an environment variable or an
// explicitly passed flag; keys absent from the file keep their parsed
// values. Modeled on cmd/rule-evaluator/main.go's setupFlags.
func Parse(appName, help string, args []string) (Config, error) {
	cfg := Default()
	a := kingpin.New(appName, help)

	a.Flag("log.level", "Logging level: debug, info, warn, error.").
		Default(cfg.LogLevel).StringVar(&cfg.LogLevel)

	a.Flag("config.file", "YAML config file overlaying index/metadata/broker settings.").
		StringVar(&cfg.ConfigFile)

	a.Flag("index.interval", "Poll interval for the index source.").
		Envar("PROPSD_INDEX_INTERVAL").Default(cfg.IndexInterval.String()).DurationVar(&cfg.IndexInterval)
	a.Flag("index.bucket", "Object-store bucket containing the index document.").
		Envar("PROPSD_INDEX_BUCKET").StringVar(&cfg.IndexBucket)
	a.Flag("index.path", "Object-store key of the index document.").
		Envar("PROPSD_INDEX_PATH").StringVar(&cfg.IndexPath)
	a.Flag("index.endpoint", "Object-store endpoint override (forces path-style addressing).").
		Envar("PROPSD_INDEX_ENDPOINT").StringVar(&cfg.IndexEndpoint)
	a.Flag("index.region", "Object-store region.").
		Envar("PROPSD_INDEX_REGION").StringVar(&cfg.IndexRegion)

	a.Flag("metadata.host", "Instance metadata service host:port.").
		Envar("PROPSD_METADATA_HOST").StringVar(&cfg.MetadataHost)

	a.Flag("secret-broker.host", "Secret broker host.").
		Default(cfg.SecretBrokerHost).StringVar(&cfg.SecretBrokerHost)
	a.Flag("secret-broker.port", "Secret broker port.").
		Default(strconv.Itoa(cfg.SecretBrokerPort)).IntVar(&cfg.SecretBrokerPort)
	a.Flag("cache.ttl", "Secret resolution cache TTL.").
		Default(cfg.CacheTTL.String()).DurationVar(&cfg.CacheTTL)

	a.Flag("build.hold-down", "Storage rebuild debounce window.").
		Default(cfg.BuildHoldDown.String()).DurationVar(&cfg.BuildHoldDown)

	a.Flag("web.listen-address", "Address to serve the HTTP API on.").
		Default(cfg.ListenAddress).StringVar(&cfg.ListenAddress)

	if _, err := a.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.ConfigFile != "" {
		if err := overlayFile(&cfg, cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
