package store

import (
	"context"
	"os"
	"testing"
)

// testGateway returns a Gateway connected to FABRIC_TEST_POSTGRES_DSN,
// skipping the test when that variable is unset. Store-touching tests
// across the fabric follow this same skip-if-unreachable convention rather
// than mocking the driver.
func testGateway(t *testing.T) *Gateway {
	t.Helper()
	dsn := os.Getenv("FABRIC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FABRIC_TEST_POSTGRES_DSN not set")
	}
	gw, err := New(context.Background(), dsn, 4, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(gw.Close)
	return gw
}
