package postgres

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectMigrationLock(mock sqlmock.Sqlmock) {
	mock.ExpectExec("pg_advisory_lock").WithArgs(migrationLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectMigrationUnlock(mock sqlmock.Sqlmock) {
	mock.ExpectExec("pg_advisory_unlock").WithArgs(migrationLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestEmbeddedMigrations(t *testing.T) {
	t.Parallel()

	set, err := loadMigrationsFromFS(migrationsFS)
	require.NoError(t, err)

	names := make([]string, 0, len(set))
	for _, m := range set {
		names = append(names, m.String())
	}
	assert.Equal(t, []string{
		"0001_outbox_messages",
		"0002_idempotency_keys",
		"0003_inventory_discrepancies",
	}, names)
	assert.Contains(t, set[2].UpSQL, "inventory_discrepancies")
}

func TestLoadMigrationsFromFS(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		files   fstest.MapFS
		wantErr string
	}{
		{
			name: "missing down",
			files: fstest.MapFS{
				"sql/migrations/0001_receipts.up.sql": {Data: []byte("CREATE TABLE receipts (id INT);")},
			},
			wantErr: "both up and down",
		},
		{
			name: "bad file name",
			files: fstest.MapFS{
				"sql/migrations/receipts.sql": {Data: []byte("SELECT 1;")},
			},
			wantErr: "invalid migration file name",
		},
		{
			name: "empty body",
			files: fstest.MapFS{
				"sql/migrations/0001_receipts.up.sql":   {Data: []byte("  \n")},
				"sql/migrations/0001_receipts.down.sql": {Data: []byte("DROP TABLE receipts;")},
			},
			wantErr: "migration file is empty",
		},
		{
			name: "name mismatch",
			files: fstest.MapFS{
				"sql/migrations/0001_receipts.up.sql": {Data: []byte("CREATE TABLE receipts (id INT);")},
				"sql/migrations/0001_shifts.down.sql": {Data: []byte("DROP TABLE shifts;")},
			},
			wantErr: "name mismatch",
		},
		{
			name:    "stray file",
			files:   fstest.MapFS{"sql/migrations/README": {Data: []byte("x")}},
			wantErr: "invalid migration file name",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := loadMigrationsFromFS(tc.files)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadMigrationsFromFS_SortsByVersion(t *testing.T) {
	t.Parallel()

	set, err := loadMigrationsFromFS(fstest.MapFS{
		"sql/migrations/0010_shifts.up.sql":     {Data: []byte("CREATE TABLE shifts (id INT);")},
		"sql/migrations/0010_shifts.down.sql":   {Data: []byte("DROP TABLE shifts;")},
		"sql/migrations/0002_receipts.up.sql":   {Data: []byte("CREATE TABLE receipts (id INT);")},
		"sql/migrations/0002_receipts.down.sql": {Data: []byte("DROP TABLE receipts;")},
	})
	require.NoError(t, err)
	require.Len(t, set, 2)
	assert.Equal(t, int64(2), set[0].Version)
	assert.Equal(t, int64(10), set[1].Version)

	m, ok := set.find(10)
	require.True(t, ok)
	assert.Equal(t, "DROP TABLE shifts;", m.DownSQL)
	_, ok = set.find(3)
	assert.False(t, ok)

	pending := set.pending(map[int64]struct{}{2: {}}, 0)
	require.Len(t, pending, 1)
	assert.Equal(t, "shifts", pending[0].Name)
}

func TestMigrateUp_AppliesOnlyPending(t *testing.T) {
	store, mock := setupMockStore(t)

	expectMigrationLock(mock)
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)))
	for _, m := range []struct {
		version int64
		name    string
	}{{2, "idempotency_keys"}, {3, "inventory_discrepancies"}} {
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + m.name).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO schema_migrations").
			WithArgs(m.version, m.name, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}
	expectMigrationUnlock(mock)

	require.NoError(t, store.MigrateUp(context.Background(), 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateUp_RespectsSteps(t *testing.T) {
	store, mock := setupMockStore(t)

	expectMigrationLock(mock)
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS outbox_messages").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs(int64(1), "outbox_messages", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectMigrationUnlock(mock)

	require.NoError(t, store.MigrateUp(context.Background(), 1))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateUp_RollsBackFailedMigration(t *testing.T) {
	store, mock := setupMockStore(t)

	expectMigrationLock(mock)
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS inventory_discrepancies").
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()
	expectMigrationUnlock(mock)

	err := store.MigrateUp(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute up migration 0003_inventory_discrepancies")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateDown_DefaultsToOneStep(t *testing.T) {
	store, mock := setupMockStore(t)

	expectMigrationLock(mock)
	mock.ExpectQuery("ORDER BY version DESC").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(3)))
	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE IF EXISTS inventory_discrepancies").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM schema_migrations").WithArgs(int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectMigrationUnlock(mock)

	require.NoError(t, store.MigrateDown(context.Background(), 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateDown_UnknownVersion(t *testing.T) {
	store, mock := setupMockStore(t)

	expectMigrationLock(mock)
	mock.ExpectQuery("ORDER BY version DESC").
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(42)))
	expectMigrationUnlock(mock)

	err := store.MigrateDown(context.Background(), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown migration version 42")
}

func TestMigrationStatus(t *testing.T) {
	store, mock := setupMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(1)).AddRow(int64(2)))

	state, err := store.MigrationStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MigrationState{Version: 2, Applied: 2, Pending: 1}, state)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_NilStore(t *testing.T) {
	t.Parallel()

	var store *Store
	require.Error(t, store.MigrateUp(context.Background(), 0))
	_, err := store.MigrationStatus(context.Background())
	require.Error(t, err)
}
