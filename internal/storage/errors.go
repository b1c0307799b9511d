package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL error codes
const (
	undefinedTableCode = "42P01"
	adminShutdownCode  = "57P01"
	cannotConnectCode  = "57P03"
)

// mapError maps driver errors to storage errors. The original error stays
// in the chain for logging.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotReady) || errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case undefinedTableCode, adminShutdownCode, cannotConnectCode:
			return fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	// modernc reports these as plain messages.
	msg := err.Error()
	if strings.Contains(msg, "no such table") || strings.Contains(msg, "database is closed") {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return err
}
