package db

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgUniqueViolation    = "23505"
	mysqlDuplicateEntry  = 1062
	sqliteConstraint     = 19
	sqliteConstraintPK   = 1555
	sqliteConstraintUniq = 2067
)

// sqliteError is implemented by the pure-go sqlite driver errors.
type sqliteError interface {
	error
	Code() int
}

// IsDuplicateKeyErr reports whether err is a unique violation from any of
// the supported databases. Concurrent first reads of a cursor race on its
// insert and rely on this to fall back to a read.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	var liteErr sqliteError
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqliteConstraintPK, sqliteConstraintUniq:
			return true
		case sqliteConstraint:
			return isUniqueMessage(liteErr.Error())
		}
		return false
	}
	return isUniqueMessage(err.Error())
}

func isUniqueMessage(msg string) bool {
	return strings.Contains(msg, "UNIQUE constraint failed")
}
