package main_test

import (
	"os"
	"testing"
)

// Integration tests require a running redis instance and are skipped by
// default. To run them locally set RUN_RENDEZVOUS_INTEGRATION=1 and point
// LT_REDIS_URL at a redis instance.
func TestIntegrationSkipByDefault(t *testing.T) {
	if os.Getenv("RUN_RENDEZVOUS_INTEGRATION") != "1" {
		t.Skip("integration tests skipped; set RUN_RENDEZVOUS_INTEGRATION=1 to run")
	}
	// placeholder: add integration tests exercising the redis-backed nonce
	// cache and a full admin-plane create -> public-plane proxy round trip.
}
