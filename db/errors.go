package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorCode returns the SQLSTATE carried by err, or "" for non-Postgres errors.
func ErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil {
		return strings.TrimSpace(pgErr.Code)
	}
	return ""
}

// IsUniqueViolation reports a 23505 unique_violation.
func IsUniqueViolation(err error) bool {
	return ErrorCode(err) == "23505"
}

// IsInvalidInput reports a value Postgres could not parse into the column
// type, such as a malformed uuid. Lookups treat it as a missing row.
func IsInvalidInput(err error) bool {
	switch ErrorCode(err) {
	case "22P02", "22003", "22007", "22008":
		return true
	default:
		return false
	}
}
