package migrate

import (
	"database/sql"
	"embed"
	"io/fs"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serverinit/serverinit/migrations"

	_ "modernc.org/sqlite"
)

//go:embed testdata
var testFS embed.FS

func testdata(t *testing.T) fs.FS {
	t.Helper()
	sub, err := fs.Sub(testFS, "testdata")
	require.NoError(t, err)
	return sub
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var found string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&found)
	if err == sql.ErrNoRows {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestAutoMigrateCreatesMigrationsTable(t *testing.T) {
	db := setupTestDB(t)
	require.False(t, tableExists(t, db, "schema_migrations"))

	_, err := New(db, DialectSQLite, testdata(t)).AutoMigrate()
	require.NoError(t, err)

	assert.True(t, tableExists(t, db, "schema_migrations"))
}

func TestAutoMigrateAppliesInOrder(t *testing.T) {
	db := setupTestDB(t)

	applied, err := New(db, DialectSQLite, testdata(t)).AutoMigrate()
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	assert.True(t, tableExists(t, db, "widgets"))
	assert.True(t, tableExists(t, db, "parts"))

	rows, err := db.Query("SELECT version FROM schema_migrations ORDER BY version")
	require.NoError(t, err)
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		require.NoError(t, rows.Scan(&v))
		versions = append(versions, v)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"001_create_widgets.sql", "002_create_parts.sql"}, versions)
}

func TestAutoMigrateSkipsApplied(t *testing.T) {
	db := setupTestDB(t)
	m := New(db, DialectSQLite, testdata(t))

	_, err := m.AutoMigrate()
	require.NoError(t, err)

	_, err = db.Exec("INSERT INTO widgets (id, name) VALUES (1, 'kept')")
	require.NoError(t, err)

	applied, err := m.AutoMigrate()
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	var name string
	require.NoError(t, db.QueryRow("SELECT name FROM widgets WHERE id = 1").Scan(&name))
	assert.Equal(t, "kept", name)

	pending, err := m.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAutoMigrateUnknownDialect(t *testing.T) {
	db := setupTestDB(t)

	_, err := New(db, "oracle", testdata(t)).AutoMigrate()
	require.Error(t, err)
}

func TestEmbeddedUsersMigrationSQLite(t *testing.T) {
	db := setupTestDB(t)

	_, err := New(db, DialectSQLite, migrations.FS).AutoMigrate()
	require.NoError(t, err)
	assert.True(t, tableExists(t, db, "users"))
}

func TestAutoMigratePostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS users")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)")).
		WithArgs("001_create_users.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := New(db, DialectPostgres, migrations.FS).AutoMigrate()
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAutoMigrateRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS users")).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = New(db, DialectMySQL, migrations.FS).AutoMigrate()
	require.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}
