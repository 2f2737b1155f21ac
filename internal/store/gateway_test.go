package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayHealthCheck(t *testing.T) {
	gw := testGateway(t)
	latency, err := gw.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latency.Nanoseconds(), int64(0))
}

func TestGatewayExecAndQueryRow(t *testing.T) {
	gw := testGateway(t)
	ctx := context.Background()

	_, err := gw.Exec(ctx, "test.create", `CREATE TEMP TABLE gateway_smoke (id INT)`)
	require.NoError(t, err)

	affected, err := gw.Exec(ctx, "test.insert", `INSERT INTO gateway_smoke (id) VALUES (1), (2)`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)

	var count int
	err = gw.QueryRow(ctx, "test.count", `SELECT count(*) FROM gateway_smoke`, func(row pgx.Row) error {
		return row.Scan(&count)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
