package main

import (
	"fmt"
	"strconv"

	"github.com/bitrise-io/go-batchupload/stepconf"
	"github.com/bitrise-io/go-batchupload/upload"
	"github.com/bitrise-io/go-batchupload/upload/fileset"
)

const (
	storeHTTP = "http"
	storeS3   = "s3"
)

// Config ...
type Config struct {
	Store string `env:"store,opt[http,s3]"`

	APIBaseURL string          `env:"api_base_url"`
	APIToken   stepconf.Secret `env:"api_token"`

	Container        string `env:"container,required"`
	Branch           string `env:"branch,required"`
	WorkInProgressID string `env:"wip_id"`
	TargetPrefix     string `env:"target_prefix"`

	SourceDir   string   `env:"source_dir"`
	Patterns    []string `env:"patterns"`
	Exclude     []string `env:"exclude"`
	Concurrency int      `env:"concurrency,range[1..64]"`

	AWSRegion          string          `env:"aws_region"`
	AWSAccessKeyID     stepconf.Secret `env:"aws_access_key_id"`
	AWSSecretAccessKey stepconf.Secret `env:"aws_secret_access_key"`
	S3Endpoint         string          `env:"s3_endpoint"`
	CompressionLevel   int             `env:"compression_level,range[0..22]"`

	AdmissionRate float64 `env:"admission_rate,range[0..]"`
	Verbose       bool    `env:"verbose"`
}

var defaults = map[string]string{
	"store":       storeHTTP,
	"source_dir":  ".",
	"patterns":    fileset.MatchAll,
	"concurrency": strconv.Itoa(upload.DefaultConcurrency),
}

// defaultEnvGetter falls back to the default value of unset variables.
type defaultEnvGetter struct {
	envGetter stepconf.EnvGetter
	defaults  map[string]string
}

func (g defaultEnvGetter) Get(key string) string {
	if value := g.envGetter.Get(key); value != "" {
		return value
	}
	return g.defaults[key]
}

func parseConfig(envGetter stepconf.EnvGetter) (Config, error) {
	var cfg Config
	parser := stepconf.NewInputParser(defaultEnvGetter{envGetter: envGetter, defaults: defaults})
	if err := parser.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store {
	case storeHTTP:
		if c.APIBaseURL == "" || c.APIToken == "" {
			return fmt.Errorf("api_base_url and api_token are required for the %s store", storeHTTP)
		}
	case storeS3:
		if c.AWSRegion == "" {
			return fmt.Errorf("aws_region is required for the %s store", storeS3)
		}
		if (c.AWSAccessKeyID == "") != (c.AWSSecretAccessKey == "") {
			return fmt.Errorf("aws_access_key_id and aws_secret_access_key must be set together")
		}
	}
	return nil
}
