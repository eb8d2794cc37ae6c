// services/partition-publisher/internal/config/config_test.go
package config

import "testing"

func validConfig() Config {
	return Config{
		ServiceName:    "partition-publisher",
		ServiceVersion: "v1.0.0",
		Kafka:          Kafka{Brokers: []string{"kafka:9092"}, Version: "2.8.0"},
		Publisher: Publisher{
			Partition:                0,
			TransactionalIDPrefix:    "partition-publisher",
			EventsTopic:              "orders-events",
			StateTopic:               "orders-state",
			RequiredAcks:             "all",
			Compression:              "none",
			MaxRecordsPerTransaction: 500,
			KTableGroupID:            "orders-state-materializer",
			KTablePollInterval:       2_000_000_000,
		},
		Telemetry: Telemetry{OTLPEndpoint: "otel-collector:4317"},
		Logging:   Logging{Level: "info"},
		HTTP: HTTP{
			Port: 8080, ReadTimeout: 1, WriteTimeout: 1, IdleTimeout: 1, ShutdownTimeout: 1,
			MetricsPath: "/metrics", HealthzPath: "/healthz", ReadyzPath: "/readyz",
		},
	}
}

func TestConfig_ValidateAcceptsWellFormedConfig(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestConfig_ValidateRejectsMissingTopics(t *testing.T) {
	c := validConfig()
	c.Publisher.StateTopic = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for a missing state topic")
	}
}

func TestConfig_ValidateRejectsBadRequiredAcks(t *testing.T) {
	c := validConfig()
	c.Publisher.RequiredAcks = "sometimes"
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an invalid required_acks value")
	}
}

func TestConfig_ValidateRejectsBadHTTPPort(t *testing.T) {
	c := validConfig()
	c.HTTP.Port = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an invalid http port")
	}
}

func TestConfig_ValidateRejectsMissingKTableGroup(t *testing.T) {
	c := validConfig()
	c.Publisher.KTableGroupID = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for a missing ktable group id")
	}
}
