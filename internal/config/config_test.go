package config

import (
	"strings"
	"testing"
	"time"

	"interview-analytics/internal/queue"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.StateStore != "broker" || cfg.Broker.Addr != "127.0.0.1:6379" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if policy := cfg.RetryPolicy(queue.StageSTT); policy.MaxAttempts != 3 || policy.Backoff != time.Second {
		t.Fatalf("unexpected stt retry policy %+v", policy)
	}
	if policy := cfg.RetryPolicy(queue.StageRetention); policy.MaxAttempts != 3 || policy.Backoff != 3*time.Second {
		t.Fatalf("unexpected retention retry policy %+v", policy)
	}
	conn := cfg.ConnectorOptions()
	if conn.Provider != "sberjazz_mock" || conn.Breaker.FailureThreshold != 5 || conn.Reconcile.StaleThreshold != 15*time.Minute {
		t.Fatalf("unexpected connector options %+v", conn)
	}
	if conn.LivePull.Enabled {
		t.Fatal("expected live pull to be off by default")
	}
}

func TestLoadFromOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"IAA_BROKER_ADDRS":                        "r1:6379, r2:6379",
		"IAA_BROKER_TLS_SKIP_VERIFY":              "true",
		"IAA_QUEUE_MAX_ATTEMPTS":                  "5",
		"IAA_QUEUE_STAGE_RETRY":                   "delivery=7/10s,q:retention=2/0s",
		"IAA_CONNECTOR_BREAKER_FAILURE_THRESHOLD": "2",
		"IAA_CONNECTOR_BREAKER_OPEN":              "90s",
		"IAA_LIVE_PULL_ENABLED":                   "true",
		"IAA_IDEMPOTENCY_BACKEND":                 "Memory",
		"IAA_OTEL_ENABLED":                        "true",
		"IAA_OTEL_ENDPOINT":                       "collector:4318",
	})
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if got := cfg.BrokerOptions(); len(got.Addrs) != 2 || !got.TLS.InsecureSkipVerify {
		t.Fatalf("unexpected broker options %+v", got)
	}
	if cfg.Queue.MaxAttempts != 5 || cfg.Idempotency.Backend != "memory" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if policy := cfg.RetryPolicy(queue.StageSTT); policy.MaxAttempts != 5 || policy.Backoff != time.Second {
		t.Fatalf("unexpected stt retry policy %+v", policy)
	}
	if policy := cfg.RetryPolicy(queue.StageDelivery); policy.MaxAttempts != 7 || policy.Backoff != 10*time.Second {
		t.Fatalf("unexpected delivery retry policy %+v", policy)
	}
	if policy := cfg.RetryPolicy(queue.StageRetention); policy.MaxAttempts != 2 || policy.Backoff != 0 {
		t.Fatalf("unexpected retention retry policy %+v", policy)
	}
	conn := cfg.ConnectorOptions()
	if conn.Breaker.FailureThreshold != 2 || conn.Breaker.OpenFor != 90*time.Second || !conn.LivePull.Enabled {
		t.Fatalf("unexpected connector options %+v", conn)
	}
	if tr := cfg.TracingOptions(); !tr.Enabled || tr.Endpoint != "collector:4318" {
		t.Fatalf("unexpected tracing options %+v", tr)
	}
}

func TestLoadFromRejectsInvalidSettings(t *testing.T) {
	_, err := LoadFrom(map[string]string{
		"IAA_CONNECTOR_BREAKER_FAILURE_THRESHOLD": "0",
		"IAA_RECONCILE_INTERVAL":                  "0s",
		"IAA_STATE_STORE":                         "etcd",
		"IAA_QUEUE_STAGE_RETRY":                   "stt=often/1s,billing=3/1s",
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"BREAKER_FAILURE_THRESHOLD", "RECONCILE_INTERVAL", "STATE_STORE", "STAGE_RETRY stt", `unknown stage "billing"`} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err.Error())
		}
	}
}

func TestLoadFromRejectsMalformedValues(t *testing.T) {
	if _, err := LoadFrom(map[string]string{"IAA_QUEUE_BACKOFF": "soon"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTracingRequiresEndpoint(t *testing.T) {
	_, err := LoadFrom(map[string]string{"IAA_OTEL_ENABLED": "true"})
	if err == nil || !strings.Contains(err.Error(), "OTEL_ENDPOINT") {
		t.Fatalf("expected endpoint error, got %v", err)
	}
}
