// Package config loads the twinsync service configuration from the
// environment. Every variable carries the TWINSYNC_ prefix.
package config

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"

	"github.com/go-digitaltwin/twinsync"
)

// Prefix is prepended to every environment variable name.
const Prefix = "TWINSYNC_"

// Graph service backends.
const (
	BackendADT    = "adt"
	BackendNeo4j  = "neo4j"
	BackendMemory = "memory"
)

// HTTPDisabled is the HTTPAddr value that turns the trigger API off. An empty
// value cannot: the environment parser treats it as unset.
const HTTPDisabled = "off"

// Config is the service configuration.
type Config struct {
	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"json"`

	// Backend selects the graph service: adt, neo4j or memory.
	Backend string `env:"BACKEND" envDefault:"memory"`
	ADT     ADT    `envPrefix:"ADT_"`
	Neo4j   Neo4j  `envPrefix:"NEO4J_"`

	// Relation is the relationship followed from a device twin to the twin
	// receiving its telemetry, e.g. "contains". Empty patches device twins
	// directly.
	Relation string `env:"RELATION"`
	// Resolver is either "query" or "traversal".
	Resolver    string            `env:"RESOLVER" envDefault:"query"`
	Properties  map[string]string `env:"PROPERTIES"`
	Conditional bool              `env:"CONDITIONAL"`

	// Decoder names the telemetry payload format: iothub, senml or senml-cbor.
	Decoder     string `env:"DECODER" envDefault:"iothub"`
	Concurrency int    `env:"CONCURRENCY" envDefault:"8"`

	// SubscriptionURL opens a gocloud.dev pubsub subscription, e.g.
	// "nats://telemetry" or "mem://telemetry". Empty disables the source.
	SubscriptionURL string `env:"SUBSCRIPTION_URL"`
	MQTT            MQTT   `envPrefix:"MQTT_"`
	// HTTPAddr is the listen address of the trigger API. HTTPDisabled turns
	// it off.
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
}

// ADT configures the Azure Digital Twins backend.
type ADT struct {
	Endpoint     string `env:"ENDPOINT"`
	TenantID     string `env:"TENANT_ID"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET,unset"`
}

// Neo4j configures the Neo4j backend.
type Neo4j struct {
	URI      string `env:"URI" envDefault:"neo4j://localhost:7687"`
	Username string `env:"USERNAME" envDefault:"neo4j"`
	Password string `env:"PASSWORD,unset"`
	Database string `env:"DATABASE" envDefault:"neo4j"`
	// Bootstrap creates the database and its constraints on startup.
	Bootstrap bool `env:"BOOTSTRAP"`
}

// MQTT configures the MQTT telemetry source. An empty Broker disables it.
type MQTT struct {
	Broker   string `env:"BROKER"`
	ClientID string `env:"CLIENT_ID"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD,unset"`
	Topic    string `env:"TOPIC" envDefault:"devices/+/telemetry"`
	QoS      uint8  `env:"QOS" envDefault:"1"`
}

// Load parses the configuration from environment, or from the process
// environment when nil, and validates it.
func Load(environment map[string]string) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{
		Prefix:      Prefix,
		Environment: environment,
	})
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	switch c.Backend {
	case BackendADT:
		if c.ADT.Endpoint == "" {
			return errors.New("adt backend requires " + Prefix + "ADT_ENDPOINT")
		}
	case BackendNeo4j, BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Relation != "" && !twinsync.ValidRelationName(c.Relation) {
		return fmt.Errorf("invalid relation %q", c.Relation)
	}
	switch c.Resolver {
	case "query", "traversal":
	default:
		return fmt.Errorf("unknown resolver %q", c.Resolver)
	}
	if _, err := c.DecodeFunc(); err != nil {
		return err
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	return nil
}

// HTTPEnabled reports whether the trigger API should be served.
func (c Config) HTTPEnabled() bool {
	return c.HTTPAddr != "" && c.HTTPAddr != HTTPDisabled
}

// DecodeFunc returns the telemetry decoder named by c.Decoder.
func (c Config) DecodeFunc() (twinsync.Decoder, error) {
	switch c.Decoder {
	case "iothub":
		return twinsync.DecodeIoTHubEvent, nil
	case "senml":
		return twinsync.DecodeSenML, nil
	case "senml-cbor":
		return twinsync.DecodeSenMLCBOR, nil
	default:
		return nil, fmt.Errorf("unknown decoder %q", c.Decoder)
	}
}
