// Package redistest starts an in-process Redis for package tests.
package redistest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"interview-analytics/internal/broker"
)

// Start runs a miniredis server for the lifetime of the test and returns it
// together with a broker client connected to it.
func Start(t testing.TB) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	srv := miniredis.RunT(t)
	client, err := broker.NewClient(broker.Config{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("create broker client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return srv, client
}
