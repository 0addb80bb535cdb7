package store_test

import (
	"context"
	"database/sql"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, store.EnsureSchema(context.Background(), db,
		`CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`,
	))
	return db
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := store.Open("/nonexistent/path/db.sqlite")
	assert.Error(t, err)
}

func TestOpen_FilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	db1, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx, db1, `CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)`))
	_, err = db1.Exec(`INSERT INTO kv (k, v) VALUES ('a', 'b')`)
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := store.Open(path)
	require.NoError(t, err)
	defer db2.Close()

	var v string
	require.NoError(t, db2.QueryRow(`SELECT v FROM kv WHERE k = 'a'`).Scan(&v))
	assert.Equal(t, "b", v)
}

func TestWithTx_CommitAndRollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('kept', '1')`)
		return err
	}))

	boom := stderrors.New("boom")
	err := store.WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('dropped', '1')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestWithTx_PanicRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = store.WithTx(ctx, db, func(tx *sql.Tx) error {
			_, _ = tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('p', '1')`)
			panic("step exploded")
		})
	})

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestClassify(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`INSERT INTO kv (k, v) VALUES ('dup', '1')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO kv (k, v) VALUES ('dup', '2')`)
	require.Error(t, err)

	assert.True(t, store.IsUniqueViolation(err))
	assert.Equal(t, lferrors.KindConflict, lferrors.KindOf(store.Classify(err, "insert")))
	assert.Equal(t, lferrors.KindNotFound, lferrors.KindOf(store.Classify(sql.ErrNoRows, "get")))
	assert.Equal(t, lferrors.KindTransient, lferrors.KindOf(store.Classify(context.DeadlineExceeded, "get")))
	assert.Nil(t, store.Classify(nil, "noop"))
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 123, time.UTC)
	assert.True(t, now.Equal(store.ParseTime(store.FormatTime(now))))
	assert.True(t, store.ParseTime("").IsZero())
	assert.Nil(t, store.ParseNullTime(store.NullTime(nil)))
	got := store.ParseNullTime(store.NullTime(&now))
	require.NotNil(t, got)
	assert.True(t, now.Equal(*got))
}
