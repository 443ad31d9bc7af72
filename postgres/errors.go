package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDBRequired is returned when a nil *gorm.DB is provided.
	ErrDBRequired = errors.New("outbox postgres: db is required")
	// ErrDSNRequired is returned by Connect when the DSN is empty.
	ErrDSNRequired = errors.New("outbox postgres: dsn is required")
	// ErrTxRequired is returned when enqueue is called without a transaction handle.
	ErrTxRequired = errors.New("outbox postgres: transaction is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("outbox postgres: invalid table name")
	// ErrDuplicateID is returned when an entry id is already staged.
	ErrDuplicateID = errors.New("outbox postgres: duplicate record id")
	// ErrCleanupBeforeRequired is returned when cleanup cutoff is missing.
	ErrCleanupBeforeRequired = errors.New("outbox postgres: cleanup before time is required")
)

const codeUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
