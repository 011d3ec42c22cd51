package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/mockvisor/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container and returns its native address.
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	c, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("clickhouse container unavailable: %v", err)
	}

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return c, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	c, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := c.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(Options{Addr: addr, Table: "instance_history"})
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	inst := history.Instance{Name: "WireMock", Key: 8080, PID: 12345, RunID: "run-1"}
	require.NoError(t, sink.Send(ctx, history.NewEvent(history.EventStart, inst)))
	require.NoError(t, sink.Send(ctx, history.NewEvent(history.EventCrash, inst)))

	var count uint64
	require.NoError(t, sink.conn.QueryRow(ctx,
		"SELECT count() FROM instance_history WHERE instance_key = 8080").Scan(&count))
	assert.Equal(t, uint64(2), count)
}

func TestInvalidTableName(t *testing.T) {
	_, err := New(Options{Addr: "127.0.0.1:1", Table: "x; DROP TABLE y"})
	assert.Error(t, err)
}
