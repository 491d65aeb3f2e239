package config

import (
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(map[string]string{})
	if err != nil {
		t.Fatal(err)
	}
	want := Config{
		LogLevel:    slog.LevelInfo,
		LogFormat:   "json",
		Backend:     BackendMemory,
		Neo4j:       Neo4j{URI: "neo4j://localhost:7687", Username: "neo4j", Database: "neo4j"},
		Resolver:    "query",
		Decoder:     "iothub",
		Concurrency: 8,
		MQTT:        MQTT{Topic: "devices/+/telemetry", QoS: 1},
		HTTPAddr:    ":8080",
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load(map[string]string{
		"TWINSYNC_LOG_LEVEL":         "DEBUG",
		"TWINSYNC_BACKEND":           "adt",
		"TWINSYNC_ADT_ENDPOINT":      "https://garden.api.weu.digitaltwins.azure.net",
		"TWINSYNC_ADT_CLIENT_ID":     "app",
		"TWINSYNC_ADT_CLIENT_SECRET": "s3cret",
		"TWINSYNC_PROPERTIES":        "moisture:Moisture,uv:UV",
		"TWINSYNC_CONDITIONAL":       "true",
		"TWINSYNC_DECODER":           "senml",
		"TWINSYNC_MQTT_BROKER":       "tcp://localhost:1883",
		"TWINSYNC_MQTT_QOS":          "0",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want DEBUG", cfg.LogLevel)
	}
	wantADT := ADT{Endpoint: "https://garden.api.weu.digitaltwins.azure.net", ClientID: "app", ClientSecret: "s3cret"}
	if diff := cmp.Diff(wantADT, cfg.ADT); diff != "" {
		t.Errorf("ADT mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"moisture": "Moisture", "uv": "UV"}, cfg.Properties); diff != "" {
		t.Errorf("Properties mismatch (-want +got):\n%s", diff)
	}
	if !cfg.Conditional || cfg.MQTT.Broker != "tcp://localhost:1883" || cfg.MQTT.QoS != 0 {
		t.Errorf("Load() = %+v", cfg)
	}
}

func TestLoad_Empty(t *testing.T) {
	cfg, err := Load(map[string]string{
		"TWINSYNC_RELATION":  "",
		"TWINSYNC_HTTP_ADDR": "",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relation != "" {
		t.Errorf("Relation = %q, want empty", cfg.Relation)
	}
	if !cfg.HTTPEnabled() {
		t.Error("HTTPEnabled() = false with an empty address, want the default address")
	}
}

func TestConfig_HTTPEnabled(t *testing.T) {
	tests := []struct {
		Addr string
		Want bool
	}{
		{Addr: ":8080", Want: true},
		{Addr: "127.0.0.1:9000", Want: true},
		{Addr: HTTPDisabled, Want: false},
	}
	for _, tt := range tests {
		t.Run(tt.Addr, func(t *testing.T) {
			cfg, err := Load(map[string]string{"TWINSYNC_HTTP_ADDR": tt.Addr})
			if err != nil {
				t.Fatal(err)
			}
			if got := cfg.HTTPEnabled(); got != tt.Want {
				t.Errorf("HTTPEnabled() = %v, want %v", got, tt.Want)
			}
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		Name        string
		Environment map[string]string
	}{
		{Name: "Backend", Environment: map[string]string{"TWINSYNC_BACKEND": "cosmos"}},
		{Name: "ADTWithoutEndpoint", Environment: map[string]string{"TWINSYNC_BACKEND": "adt"}},
		{Name: "Relation", Environment: map[string]string{"TWINSYNC_RELATION": "contains WHERE 1=1"}},
		{Name: "Resolver", Environment: map[string]string{"TWINSYNC_RESOLVER": "guess"}},
		{Name: "Decoder", Environment: map[string]string{"TWINSYNC_DECODER": "xml"}},
		{Name: "LogFormat", Environment: map[string]string{"TWINSYNC_LOG_FORMAT": "yaml"}},
		{Name: "Concurrency", Environment: map[string]string{"TWINSYNC_CONCURRENCY": "0"}},
		{Name: "LogLevel", Environment: map[string]string{"TWINSYNC_LOG_LEVEL": "LOUD"}},
	}
	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			if _, err := Load(tt.Environment); err == nil {
				t.Error("Load() succeeded, want error")
			}
		})
	}
}
