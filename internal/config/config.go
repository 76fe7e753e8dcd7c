// Package config loads the gateway configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
)

// DefaultConfigPath is read when Load gets an empty path and CONFIG_PATH is
// unset.
const DefaultConfigPath = "gqlmesh.yaml"

type Config struct {
	Sources                []Source       `yaml:"sources" validate:"required,min=1,unique=Name,dive"`
	AdditionalTypeDefs     string         `yaml:"additionalTypeDefs"`
	Transforms             []Transform    `yaml:"transforms" validate:"dive"`
	LiveQueryInvalidations []Invalidation `yaml:"liveQueryInvalidations" validate:"dive"`
	Cache                  Cache          `yaml:"cache"`
	NATS                   NATS           `yaml:"nats"`
	Serve                  Serve          `yaml:"serve"`
	Log                    Log            `yaml:"log"`
	Telemetry              Telemetry      `yaml:"telemetry"`
}

// Source configures exactly one of GraphQL or GRPC.
type Source struct {
	Name       string      `yaml:"name" validate:"required"`
	GraphQL    *GraphQL    `yaml:"graphql"`
	GRPC       *GRPC       `yaml:"grpc"`
	Transforms []Transform `yaml:"transforms" validate:"dive"`
}

type GraphQL struct {
	Endpoint             string            `yaml:"endpoint" validate:"required"`
	OperationHeaders     map[string]string `yaml:"operationHeaders"`
	SchemaHeaders        map[string]string `yaml:"schemaHeaders"`
	Introspection        string            `yaml:"introspection"`
	Batch                *bool             `yaml:"batch"`
	StripLeadingTypename bool              `yaml:"stripLeadingTypename"`
	ContextVariables     []string          `yaml:"contextVariables"`
	Timeout              time.Duration     `yaml:"timeout" validate:"min=0"`
}

type GRPC struct {
	Endpoint            string            `yaml:"endpoint" validate:"required,hostname_port"`
	ProtoFiles          []string          `yaml:"protoFiles" validate:"required,min=1"`
	ImportPaths         []string          `yaml:"importPaths"`
	Metadata            map[string]string `yaml:"metadata"`
	RPCTimeout          time.Duration     `yaml:"rpcTimeout" validate:"min=0"`
	MaxConnsPerEndpoint int               `yaml:"maxConnsPerEndpoint" validate:"min=0"`
	QueryPrefixes       []string          `yaml:"queryPrefixes"`
}

// Transform configures exactly one transform.
type Transform struct {
	Prefix           *Prefix           `yaml:"prefix"`
	Rename           *Rename           `yaml:"rename"`
	FilterRootFields *FilterRootFields `yaml:"filterRootFields"`
}

type Prefix struct {
	Value                 string   `yaml:"value" validate:"required"`
	IncludeRootOperations bool     `yaml:"includeRootOperations"`
	IgnoreTypes           []string `yaml:"ignoreTypes"`
	Mode                  string   `yaml:"mode" validate:"omitempty,oneof=wrap bare"`
}

// Rename maps type names, and root fields written as "Query.field", to new
// names.
type Rename struct {
	Types      map[string]string `yaml:"types"`
	RootFields map[string]string `yaml:"rootFields"`
	Mode       string            `yaml:"mode" validate:"omitempty,oneof=wrap bare"`
}

type FilterRootFields struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

type Invalidation struct {
	Field      string   `yaml:"field" validate:"required"`
	Invalidate []string `yaml:"invalidate" validate:"required,min=1"`
}

type Cache struct {
	Backend  string        `yaml:"backend" validate:"oneof=memory redis"`
	RedisURL string        `yaml:"redisUrl" validate:"required_if=Backend redis"`
	MaxBytes int64         `yaml:"maxBytes" validate:"min=0"`
	TTL      time.Duration `yaml:"ttl" validate:"min=0"`
}

// NATS enables cross-instance live query invalidation when URL is set.
type NATS struct {
	URL     string `yaml:"url" validate:"omitempty,url"`
	Subject string `yaml:"subject"`
}

type Serve struct {
	Addr           string        `yaml:"addr" validate:"required"`
	Path           string        `yaml:"path" validate:"required,startswith=/"`
	Timeout        time.Duration `yaml:"timeout" validate:"min=0"`
	Pretty         bool          `yaml:"pretty"`
	GraphiQL       *bool         `yaml:"graphiql"`
	MaxBodyBytes   int64         `yaml:"maxBodyBytes" validate:"min=0"`
	CORSOrigins    []string      `yaml:"corsOrigins"`
	ContextHeaders []string      `yaml:"contextHeaders"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

type Telemetry struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	Prometheus   bool   `yaml:"prometheus"`
	MetricsPath  string `yaml:"metricsPath" validate:"required,startswith=/"`
}

// Load reads path, or CONFIG_PATH, or DefaultConfigPath. Variables from
// .env.local and .env are loaded first and ${VAR} references in the file are
// expanded before decoding.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultConfigPath
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes, defaults and validates an env-expanded YAML document.
// Unknown and duplicate keys are errors.
func Parse(b []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(b))
	var c Config
	if err := yaml.UnmarshalWithOptions([]byte(expanded), &c, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.applyDefaults()
	if err := Validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.MaxBytes == 0 {
		c.Cache.MaxBytes = 64 << 20
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Minute
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "gqlmesh.livequery.invalidate"
	}
	if c.Serve.Addr == "" {
		c.Serve.Addr = ":4000"
	}
	if c.Serve.Path == "" {
		c.Serve.Path = "/graphql"
	}
	if c.Serve.Timeout == 0 {
		c.Serve.Timeout = 10 * time.Second
	}
	if c.Serve.GraphiQL == nil {
		enabled := true
		c.Serve.GraphiQL = &enabled
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "gqlmesh"
	}
	if c.Telemetry.MetricsPath == "" {
		c.Telemetry.MetricsPath = "/metrics"
	}
}

// Validate checks struct tags, then the one-of constraints tags cannot
// express.
func Validate(c *Config) error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	var errs *multierror.Error
	for _, s := range c.Sources {
		switch {
		case s.GraphQL == nil && s.GRPC == nil:
			errs = multierror.Append(errs, fmt.Errorf("source %q: one of graphql or grpc is required", s.Name))
		case s.GraphQL != nil && s.GRPC != nil:
			errs = multierror.Append(errs, fmt.Errorf("source %q: graphql and grpc are mutually exclusive", s.Name))
		}
		for i, t := range s.Transforms {
			if err := t.check(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("source %q: transform %d: %w", s.Name, i, err))
			}
		}
	}
	for i, t := range c.Transforms {
		if err := t.check(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("transform %d: %w", i, err))
		}
	}
	for _, inv := range c.LiveQueryInvalidations {
		if typ, field, ok := strings.Cut(inv.Field, "."); !ok || typ == "" || field == "" {
			errs = multierror.Append(errs, fmt.Errorf("invalidation field %q must be Type.field", inv.Field))
		}
	}
	return errs.ErrorOrNil()
}

func (t Transform) check() error {
	n := 0
	if t.Prefix != nil {
		n++
	}
	if t.Rename != nil {
		n++
	}
	if t.FilterRootFields != nil {
		n++
	}
	if n != 1 {
		return errors.New("exactly one of prefix, rename or filterRootFields is required")
	}
	if t.Rename != nil {
		for from := range t.Rename.RootFields {
			if _, _, ok := strings.Cut(from, "."); !ok {
				return fmt.Errorf("rename root field %q must be Root.field", from)
			}
		}
	}
	return nil
}
