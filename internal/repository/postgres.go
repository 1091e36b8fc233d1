// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/credits-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrBalanceNotFound возвращается, если у пользователя нет строки баланса.
var (
	ErrBalanceNotFound = errors.New("balance not found")
	// ErrTicketExists возвращается при попытке создать тикет с уже существующим идентификатором.
	ErrTicketExists = errors.New("trade ticket already exists")
	// ErrTicketNotFound возвращается, если тикет не найден.
	ErrTicketNotFound = errors.New("trade ticket not found")
	// ErrTicketSettled возвращается при повторной попытке зачислить средства по уже обработанному тикету.
	ErrTicketSettled = errors.New("trade ticket already settled")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	defaultCredit decimal.Decimal
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
// defaultCredit — начальный баланс, назначаемый при первом обращении пользователя.
func NewPostgresRepository(dsn string, defaultCredit decimal.Decimal) (*PostgresRepository, error) {
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

	r := &PostgresRepository{pool: pool, defaultCredit: defaultCredit}

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

// withRetry повторяет fn при конфликтах сериализации и дедлоках с возрастающей задержкой.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) &&
			(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InitBalance возвращает баланс пользователя, создавая строку со значением по умолчанию,
// если её ещё нет. Гонка двух инициализаций безопасна: проигравший INSERT ничего не
// меняет и читает строку победителя.
func (r *PostgresRepository) InitBalance(ctx context.Context, userID string) (*model.Balance, error) {
	now := time.Now().Unix()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO credits (user_id, credit, created_at, updated_at)
		 VALUES ($1, $2::numeric, $3, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, r.defaultCredit.String(), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert credit: %w", err)
	}

	return r.GetBalance(ctx, userID)
}

// GetBalance возвращает баланс пользователя.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, credit::text, created_at, updated_at FROM credits WHERE user_id = $1`,
		userID,
	)

	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBalanceNotFound
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}

	return b, nil
}

// ListBalances возвращает балансы перечисленных пользователей.
// Пользователи без строки баланса в результат не попадают.
func (r *PostgresRepository) ListBalances(ctx context.Context, userIDs []string) ([]model.Balance, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, credit::text, created_at, updated_at
		 FROM credits
		 WHERE user_id = ANY($1)`,
		userIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select balances: %w", err)
	}
	defer rows.Close()

	var res []model.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		res = append(res, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanBalance(row pgx.Row) (*model.Balance, error) {
	var (
		b         model.Balance
		creditStr string
	)
	if err := row.Scan(&b.UserID, &creditStr, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}

	credit, err := decimal.NewFromString(creditStr)
	if err != nil {
		return nil, fmt.Errorf("parse credit %q: %w", creditStr, err)
	}
	b.Credit = credit

	return &b, nil
}

// SetBalance выставляет балансу абсолютное значение и в той же транзакции
// добавляет запись кредитной истории с новым значением.
func (r *PostgresRepository) SetBalance(ctx context.Context, userID string, credit decimal.Decimal, detail model.LogDetail) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		now := time.Now().Unix()
		cmdTag, err := tx.Exec(ctx,
			`UPDATE credits SET credit = $2::numeric, updated_at = $3 WHERE user_id = $1`,
			userID, credit.String(), now,
		)
		if err != nil {
			return fmt.Errorf("update credit: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrBalanceNotFound
		}

		if err := insertLogTx(ctx, tx, userID, credit, detail); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
}

// AddBalance атомарно изменяет баланс на delta (возможно, отрицательную) и в той же
// транзакции добавляет запись истории. Инкремент выполняется на стороне БД, а
// снимок для истории берётся из RETURNING, поэтому записанное значение всегда
// совпадает с фактическим балансом после изменения.
func (r *PostgresRepository) AddBalance(ctx context.Context, userID string, delta decimal.Decimal, detail model.LogDetail) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := r.addCreditTx(ctx, tx, userID, delta, detail); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
}

// addCreditTx создаёт строку баланса при необходимости, применяет серверный
// инкремент и пишет запись истории со значением после изменения.
func (r *PostgresRepository) addCreditTx(ctx context.Context, tx pgx.Tx, userID string, delta decimal.Decimal, detail model.LogDetail) error {
	now := time.Now().Unix()

	_, err := tx.Exec(ctx,
		`INSERT INTO credits (user_id, credit, created_at, updated_at)
		 VALUES ($1, $2::numeric, $3, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, r.defaultCredit.String(), now,
	)
	if err != nil {
		return fmt.Errorf("ensure credit row: %w", err)
	}

	var afterStr string
	err = tx.QueryRow(ctx,
		`UPDATE credits SET credit = credit + $2::numeric, updated_at = $3
		 WHERE user_id = $1
		 RETURNING credit::text`,
		userID, delta.String(), now,
	).Scan(&afterStr)
	if err != nil {
		return fmt.Errorf("increment credit: %w", err)
	}

	after, err := decimal.NewFromString(afterStr)
	if err != nil {
		return fmt.Errorf("parse credit %q: %w", afterStr, err)
	}

	return insertLogTx(ctx, tx, userID, after, detail)
}

func insertLogTx(ctx context.Context, tx pgx.Tx, userID string, credit decimal.Decimal, detail model.LogDetail) error {
	b, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal log detail: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_logs (id, user_id, credit, detail, created_at)
		 VALUES ($1, $2, $3::numeric, $4::jsonb, $5)`,
		uuid.New().String(), userID, credit.String(), string(b), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert credit log: %w", err)
	}

	return nil
}

// GetCreditLogByUser возвращает записи кредитной истории пользователя, новые первыми.
// Нулевые offset и limit означают «без смещения» и «без ограничения».
func (r *PostgresRepository) GetCreditLogByUser(ctx context.Context, userID string, offset, limit int) ([]model.CreditLogEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, credit::text, detail, created_at
		 FROM credit_logs
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT NULLIF($3::bigint, 0) OFFSET $2`,
		userID, offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select credit logs: %w", err)
	}
	defer rows.Close()

	var res []model.CreditLogEntry
	for rows.Next() {
		var (
			entry     model.CreditLogEntry
			creditStr string
			detailRaw []byte
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &creditStr, &detailRaw, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credit log: %w", err)
		}

		credit, err := decimal.NewFromString(creditStr)
		if err != nil {
			return nil, fmt.Errorf("parse credit %q: %w", creditStr, err)
		}
		entry.Credit = credit

		if len(detailRaw) > 0 {
			if err := json.Unmarshal(detailRaw, &entry.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal log detail: %w", err)
			}
		}

		res = append(res, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateTicket создаёт платёжный тикет. Идентификатор задаётся вызывающей стороной
// и глобально уникален; повторное создание возвращает ErrTicketExists.
func (r *PostgresRepository) CreateTicket(ctx context.Context, id, userID string, amount decimal.Decimal, detail map[string]any) (*model.TradeTicket, error) {
	b, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal ticket detail: %w", err)
	}

	now := time.Now().Unix()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO trade_tickets (id, user_id, amount, detail, created_at)
		 VALUES ($1, $2, $3::numeric, $4::jsonb, $5)`,
		id, userID, amount.String(), string(b), now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrTicketExists, id)
		}
		return nil, fmt.Errorf("insert ticket: %w", err)
	}

	return &model.TradeTicket{
		ID:        id,
		UserID:    userID,
		Amount:    amount,
		Detail:    detail,
		CreatedAt: now,
	}, nil
}

// GetTicket возвращает тикет по идентификатору.
func (r *PostgresRepository) GetTicket(ctx context.Context, id string) (*model.TradeTicket, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, amount::text, detail, settled_at, created_at
		 FROM trade_tickets
		 WHERE id = $1`,
		id,
	)

	var (
		t         model.TradeTicket
		amountStr string
		detailRaw []byte
	)
	err := row.Scan(&t.ID, &t.UserID, &amountStr, &detailRaw, &t.SettledAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("get ticket: %w", err)
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amountStr, err)
	}
	t.Amount = amount

	if len(detailRaw) > 0 {
		if err := json.Unmarshal(detailRaw, &t.Detail); err != nil {
			return nil, fmt.Errorf("unmarshal ticket detail: %w", err)
		}
	}

	return &t, nil
}

// SettleTicket обрабатывает подтверждение оплаты: сохраняет ответ провайдера,
// помечает тикет обработанным и зачисляет сумму пользователю с записью истории —
// всё в одной транзакции. Отметка settled_at выполняется по схеме check-and-set
// под блокировкой строки, поэтому повторная доставка уведомления провайдером
// возвращает ErrTicketSettled и не приводит к двойному зачислению.
func (r *PostgresRepository) SettleTicket(ctx context.Context, id string, detail map[string]any) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			userID    string
			amountStr string
			settledAt *int64
		)
		err = tx.QueryRow(ctx,
			`SELECT user_id, amount::text, settled_at FROM trade_tickets WHERE id = $1 FOR UPDATE`,
			id,
		).Scan(&userID, &amountStr, &settledAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTicketNotFound
			}
			return fmt.Errorf("lock ticket: %w", err)
		}

		if settledAt != nil {
			return ErrTicketSettled
		}

		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return fmt.Errorf("parse amount %q: %w", amountStr, err)
		}

		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshal ticket detail: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE trade_tickets SET detail = $2::jsonb, settled_at = $3 WHERE id = $1`,
			id, string(b), time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("update ticket: %w", err)
		}

		if err := r.addCreditTx(ctx, tx, userID, amount, model.LogDetail{Desc: "payment success"}); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
}
