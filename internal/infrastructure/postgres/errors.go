package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drfirst/go-rxcourse/internal/domain/apperr"
)

// SQLSTATE codes the store reacts to
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	checkViolation      = "23514"
)

// mapError converts driver errors into coded errors. A unique violation
// becomes a conflict carrying conflictMsg.
func mapError(op string, err error, conflictMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeInternal, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case uniqueViolation:
			return &apperr.Error{Code: apperr.CodeConflict, Op: op, Message: conflictMsg, Cause: err}
		case foreignKeyViolation, checkViolation:
			return &apperr.Error{Code: apperr.CodeInvalidArgument, Op: op, Message: pgErr.Message, Cause: err}
		}
	}
	return apperr.Wrap(apperr.CodeInternal, op, err)
}
