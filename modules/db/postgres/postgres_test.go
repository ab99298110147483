package postgres

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnString(t *testing.T) {
	cs := connString(PoolConfig{
		Host: "db", Port: 5433, User: "app", Password: "p@ss word",
		Database: "usage", SSLMode: "disable", PoolMaxConns: 7,
	})
	assert.Equal(t, "postgres://app:p%40ss%20word@db:5433/usage?pool_max_conns=7&sslmode=disable", cs)
}

func TestPoolConfig(t *testing.T) {
	pc, err := poolConfig(PoolConfig{
		Host: "db", Port: 5432, User: "app", Password: "secret",
		Database: "usage", SSLMode: "disable", PoolMaxConns: 3,
	}, WithPgBouncerSimpleProtocol(), WithApplicationName("diarygate-usage"), WithStatementTimeout(1500*time.Millisecond), nil)
	require.NoError(t, err)

	assert.EqualValues(t, 3, pc.MaxConns)
	assert.Equal(t, "db", pc.ConnConfig.Host)
	assert.Equal(t, "usage", pc.ConnConfig.Database)
	assert.Equal(t, pgx.QueryExecModeSimpleProtocol, pc.ConnConfig.DefaultQueryExecMode)
	assert.Equal(t, "diarygate-usage", pc.ConnConfig.RuntimeParams["application_name"])
	assert.Equal(t, "1500", pc.ConnConfig.RuntimeParams["statement_timeout"])
}
