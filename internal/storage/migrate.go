package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	logx "invtasks/pkg/logx"

	"github.com/pressly/goose/v3"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"

	migrationTable = "invtasks_schema_migrations"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// goose keeps its settings in package globals.
var migrateMu sync.Mutex

// gooseLogger forwards goose output to logx. Fatalf does not exit; the
// error is returned from Up instead.
type gooseLogger struct {
	log logx.Logger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func migrate(ctx context.Context, db *sql.DB, dialect string, log logx.Logger) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+dialect)
	if err != nil {
		return err
	}
	gooseDialect := "postgres"
	if dialect == dialectSQLite {
		gooseDialect = "sqlite3"
	}

	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetLogger(gooseLogger{log: log})
	goose.SetBaseFS(sub)
	defer goose.SetBaseFS(nil)
	goose.SetTableName(migrationTable)
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", mapError(err))
	}
	log.Debug("storage migrations applied", logx.String("dialect", dialect))
	return nil
}
