package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes for values a column or constraint rejects.
const (
	codeStringTooLong  = "22001"
	codeNumericRange   = "22003"
	codeInvalidText    = "22P02"
	codeCheckViolation = "23514"
)

// IsInvalidData reports whether err is Postgres rejecting a value the
// caller supplied: an overlong string, an out of range number, malformed
// input text or a failed CHECK constraint.
func IsInvalidData(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeStringTooLong, codeNumericRange, codeInvalidText, codeCheckViolation:
		return true
	}
	return false
}
