// Package repository содержит реализации хранилища записей платежей, заказов и токенов устройств.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/ararat-backend/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу записей в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetPayment возвращает платёж по идентификатору.
func (r *PostgresRepository) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	var (
		p      model.Payment
		status string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, order_id, amount, status, is_scanned, scan_time, updated_at
		 FROM payments
		 WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.OrderID, &p.Amount, &status, &p.IsScanned, &p.ScanTime, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment: %w", classifyPostgres(err))
	}
	p.Status = model.PaymentStatus(status)

	return &p, nil
}

// MarkPaymentScanned атомарно выполняет первое сканирование платежа.
// Возвращает false, если платёж уже был отсканирован или завершён другим вызовом.
func (r *PostgresRepository) MarkPaymentScanned(ctx context.Context, id string) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payments
		 SET is_scanned = TRUE, status = $2, scan_time = now(), updated_at = now()
		 WHERE id = $1 AND is_scanned = FALSE AND status <> $3`,
		id, string(model.PaymentStatusProcessing), string(model.PaymentStatusCompleted),
	)
	if err != nil {
		return false, fmt.Errorf("mark payment scanned: %w", classifyPostgres(err))
	}

	return cmdTag.RowsAffected() == 1, nil
}

// CompletePayment переводит платёж в статус completed.
func (r *PostgresRepository) CompletePayment(ctx context.Context, id string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE payments SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(model.PaymentStatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("complete payment: %w", classifyPostgres(err))
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// MarkOrderPaid отмечает заказ оплаченным.
func (r *PostgresRepository) MarkOrderPaid(ctx context.Context, orderID, status string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2, payment_status = $3, updated_at = now() WHERE id = $1`,
		orderID, status, string(model.PaymentStatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", classifyPostgres(err))
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var (
		o             model.Order
		paymentStatus string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, status, payment_status, updated_at FROM orders WHERE id = $1`,
		id,
	).Scan(&o.ID, &o.Status, &paymentStatus, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", classifyPostgres(err))
	}
	o.PaymentStatus = model.PaymentStatus(paymentStatus)

	return &o, nil
}

// CreatePayment сохраняет новый платёж в статусе pending.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p model.Payment) error {
	if err := checkIDs(p.ID, p.OrderID); err != nil {
		return fmt.Errorf("create payment: %w", err)
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO payments (id, order_id, amount, status) VALUES ($1, $2, $3, $4)`,
		p.ID, p.OrderID, p.Amount, string(model.PaymentStatusPending),
	)
	if err != nil {
		return fmt.Errorf("create payment: %w", classifyPostgres(err))
	}
	return nil
}

// CreateOrder сохраняет новый заказ.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o model.Order) error {
	if err := checkIDs(o.ID); err != nil {
		return fmt.Errorf("create order: %w", err)
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO orders (id, status, payment_status) VALUES ($1, $2, $3)`,
		o.ID, o.Status, string(model.PaymentStatusPending),
	)
	if err != nil {
		return fmt.Errorf("create order: %w", classifyPostgres(err))
	}
	return nil
}

// SaveUserToken регистрирует токен устройства пользователя. Повторная регистрация ничего не меняет.
func (r *PostgresRepository) SaveUserToken(ctx context.Context, userID, token string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_tokens (user_id, token) VALUES ($1, $2) ON CONFLICT (user_id, token) DO NOTHING`,
		userID, token,
	)
	if err != nil {
		return fmt.Errorf("save user token: %w", classifyPostgres(err))
	}
	return nil
}

// GetUserTokens возвращает все токены устройств пользователя.
func (r *PostgresRepository) GetUserTokens(ctx context.Context, userID string) ([]model.DeviceToken, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT token FROM user_tokens WHERE user_id = $1 ORDER BY created_at, token`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select user tokens: %w", classifyPostgres(err))
	}
	defer rows.Close()

	var res []model.DeviceToken
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		res = append(res, model.DeviceToken{UserID: userID, Token: token})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", classifyPostgres(err))
	}

	return res, nil
}

// DeleteUserToken удаляет токен устройства пользователя.
func (r *PostgresRepository) DeleteUserToken(ctx context.Context, userID, token string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM user_tokens WHERE user_id = $1 AND token = $2`,
		userID, token,
	)
	if err != nil {
		return fmt.Errorf("delete user token: %w", classifyPostgres(err))
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}
