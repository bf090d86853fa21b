package settings

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

const (
	sqlCreate = `CREATE TABLE IF NOT EXISTS "autotap_settings"`
	sqlSelect = `SELECT value FROM "autotap_settings" WHERE key = $1`
	sqlUpsert = `INSERT INTO "autotap_settings" (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)

	mockPool.ExpectPing()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlCreate)).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	s, err := NewPostgresStore(context.Background(), mockPool, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, mockPool
}

func TestNewPostgresStore(t *testing.T) {
	t.Run("ping failure", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing().WillReturnError(errors.New("connection refused"))
		_, err = NewPostgresStore(context.Background(), mockPool, "", zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to ping database")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("creates table", func(t *testing.T) {
		_, mockPool := newMockStore(t)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresGet(t *testing.T) {
	s, mockPool := newMockStore(t)
	ctx := context.Background()

	mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelect)).
		WithArgs("email").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("me@example.com"))
	v, ok, err := s.Get(ctx, KeyEmail)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "me@example.com", v)

	mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelect)).
		WithArgs("webhook_url").
		WillReturnError(pgx.ErrNoRows)
	_, ok, err = s.Get(ctx, KeyWebhookURL)
	require.NoError(t, err)
	assert.False(t, ok, "missing row is not an error")

	mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelect)).
		WithArgs("password").
		WillReturnError(errors.New("conn reset"))
	_, _, err = s.Get(ctx, KeyPassword)
	assert.Error(t, err)

	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresSet(t *testing.T) {
	s, mockPool := newMockStore(t)

	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsert)).
		WithArgs("auto_start", "true").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.Set(context.Background(), KeyAutoStart, "true"))

	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsert)).
		WithArgs("auto_start", "false").
		WillReturnError(errors.New("read-only transaction"))
	assert.Error(t, s.Set(context.Background(), KeyAutoStart, "false"))

	mockPool.ExpectClose()
	require.NoError(t, s.Close())
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
