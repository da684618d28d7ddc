package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	sequenceConstraint = "messages_conversation_sequence_key"
)

func pgCode(err error) (code, constraint string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

// isSequenceConflict: сработал backstop unique (conversation_id, sequence).
func isSequenceConflict(err error) bool {
	code, constraint := pgCode(err)
	return code == pgUniqueViolation && constraint == sequenceConstraint
}

func isForeignKeyViolation(err error) bool {
	code, _ := pgCode(err)
	return code == pgForeignKeyViolation
}
