package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mmeshcher/ararat-backend/internal/validation"
)

var (
	// ErrNotFound возвращается, если документ с указанным ключом отсутствует.
	ErrNotFound = errors.New("document not found")
	// ErrTransient помечает временные сбои хранилища, после которых запрос можно повторить.
	ErrTransient = errors.New("transient store failure")
	// ErrInvalidID возвращается при создании записи с ключом, который не является ключом документа.
	ErrInvalidID = errors.New("invalid document id")
)

// checkIDs отклоняет ключи, которые подтверждение платежа считает недопустимыми.
// Правила общие для обоих хранилищ.
func checkIDs(ids ...string) error {
	for _, id := range ids {
		if !validation.IsValidDocumentID(id) {
			return fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return nil
}

// classifyPostgres помечает временные ошибки PostgreSQL как ErrTransient.
func classifyPostgres(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgerrcode.IsTransactionRollback(pgErr.Code) ||
			pgerrcode.IsConnectionException(pgErr.Code) ||
			pgErr.Code == pgerrcode.LockNotAvailable ||
			pgErr.Code == pgerrcode.AdminShutdown {
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) || isConnectionError(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	return err
}

// classifyMongo помечает сетевые ошибки и таймауты MongoDB как ErrTransient.
func classifyMongo(err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}
