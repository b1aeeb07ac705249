// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/witbar-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrWalletNotLinked возвращается, если адрес не привязан ни к одному пользователю.
	ErrWalletNotLinked = errors.New("wallet not linked")
	// ErrTicketNotFound возвращается, если талон с указанным идентификатором не найден.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrTicketRedeemed возвращается при повторной попытке погасить талон.
	ErrTicketRedeemed = errors.New("ticket already redeemed")
)

// TransferResult описывает исход применения события перевода.
// Applied=false означает дубликат: подпись уже была обработана ранее.
// UserID равен nil, если отправитель не привязан — событие поглощено без зачисления.
type TransferResult struct {
	Applied    bool
	UserID     *int64
	NewBalance int64
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Сериализационные сбои и дедлоки безопасно повторять: транзакции
		// репозитория идемпотентны относительно повторного выполнения.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected || pgErr.Code == pgerrcode.UniqueViolation {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// LinkWallet привязывает адрес кошелька к пользователю. Прежняя привязка
// пользователя и прежний владелец адреса удаляются в той же транзакции.
func (r *PostgresRepository) LinkWallet(ctx context.Context, userID int64, address string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`DELETE FROM wallet_links WHERE user_id = $1 OR address = $2`,
			userID, address,
		)
		if err != nil {
			return fmt.Errorf("delete previous links: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO wallet_links (user_id, address) VALUES ($1, $2)`,
			userID, address,
		)
		if err != nil {
			return fmt.Errorf("insert link: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// GetUserByAddress возвращает пользователя, к которому привязан адрес.
func (r *PostgresRepository) GetUserByAddress(ctx context.Context, address string) (int64, error) {
	var userID int64
	err := r.pool.QueryRow(ctx,
		`SELECT user_id FROM wallet_links WHERE address = $1`,
		address,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrWalletNotLinked
		}
		return 0, fmt.Errorf("get user by address: %w", err)
	}
	return userID, nil
}

// GetAddressByUser возвращает адрес, привязанный к пользователю.
func (r *PostgresRepository) GetAddressByUser(ctx context.Context, userID int64) (string, error) {
	var address string
	err := r.pool.QueryRow(ctx,
		`SELECT address FROM wallet_links WHERE user_id = $1`,
		userID,
	).Scan(&address)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrWalletNotLinked
		}
		return "", fmt.Errorf("get address by user: %w", err)
	}
	return address, nil
}

// ApplyTransfer применяет событие перевода: фиксирует подпись и зачисляет
// средства одной транзакцией. Подпись и зачисление коммитятся вместе, поэтому
// сбой между ними невозможен: при откате провайдер повторит доставку, а
// успешный коммит делает все последующие доставки той же подписи дубликатами.
func (r *PostgresRepository) ApplyTransfer(ctx context.Context, ev model.TransferEvent) (*TransferResult, error) {
	var result *TransferResult

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO processed_signatures (signature, from_address, amount)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (signature) DO NOTHING`,
			ev.Signature, ev.FromAddress, ev.Amount,
		)
		if err != nil {
			return fmt.Errorf("insert signature: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			if err := tx.Commit(ctx); err != nil {
				return fmt.Errorf("commit tx: %w", err)
			}
			result = &TransferResult{Applied: false}
			return nil
		}

		// Отправитель резолвится внутри транзакции, чтобы параллельная
		// перепривязка адреса не разорвала пару "подпись — зачисление".
		var userID int64
		err = tx.QueryRow(ctx,
			`SELECT user_id FROM wallet_links WHERE address = $1`,
			ev.FromAddress,
		).Scan(&userID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Неизвестный отправитель: подпись остаётся поглощённой,
				// повторная доставка не даст зачисления и после привязки.
				if err := tx.Commit(ctx); err != nil {
					return fmt.Errorf("commit tx: %w", err)
				}
				result = &TransferResult{Applied: true}
				return nil
			}
			return fmt.Errorf("resolve payer: %w", err)
		}

		var newBalance int64
		err = tx.QueryRow(ctx,
			`INSERT INTO balances (user_id, amount) VALUES ($1, $2)
			 ON CONFLICT (user_id) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
			 RETURNING amount`,
			userID, ev.Amount,
		).Scan(&newBalance)
		if err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE processed_signatures SET user_id = $2 WHERE signature = $1`,
			ev.Signature, userID,
		)
		if err != nil {
			return fmt.Errorf("record credited user: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = &TransferResult{Applied: true, UserID: &userID, NewBalance: newBalance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetBalance возвращает доступный баланс и сумму всех покупок пользователя в сотых долях WIT.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, int64, error) {
	var current int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT amount FROM balances WHERE user_id = $1), 0)`,
		userID,
	).Scan(&current)
	if err != nil {
		return 0, 0, fmt.Errorf("select balance: %w", err)
	}

	var spentTotal int64
	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(price), 0) FROM tickets WHERE user_id = $1`,
		userID,
	).Scan(&spentTotal)
	if err != nil {
		return 0, 0, fmt.Errorf("sum tickets: %w", err)
	}

	return current, spentTotal, nil
}

// CreateTicket списывает стоимость позиции и сохраняет талон. Использует
// блокировку строки баланса для сериализации списаний одного пользователя.
func (r *PostgresRepository) CreateTicket(ctx context.Context, ticket model.Ticket) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var current int64
		err = tx.QueryRow(ctx,
			`SELECT amount FROM balances WHERE user_id = $1 FOR UPDATE`,
			ticket.UserID,
		).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInsufficientBalance
			}
			return fmt.Errorf("lock balance for update: %w", err)
		}

		if ticket.Price > current {
			return ErrInsufficientBalance
		}

		_, err = tx.Exec(ctx,
			`UPDATE balances SET amount = amount - $2 WHERE user_id = $1`,
			ticket.UserID, ticket.Price,
		)
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO tickets (id, user_id, kind, price, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			ticket.ID, ticket.UserID, string(ticket.Kind), ticket.Price, ticket.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// GetTicketsByUser возвращает талоны пользователя, начиная с последних.
func (r *PostgresRepository) GetTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, kind, price, created_at, redeemed
		 FROM tickets
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select tickets: %w", err)
	}
	defer rows.Close()

	var tickets []model.Ticket
	for rows.Next() {
		var (
			t    model.Ticket
			kind string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &kind, &t.Price, &t.CreatedAt, &t.Redeemed); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		t.Kind = model.ItemKind(kind)
		tickets = append(tickets, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return tickets, nil
}

// RedeemTicket помечает талон погашенным. Повторное погашение отклоняется.
func (r *PostgresRepository) RedeemTicket(ctx context.Context, ticketID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE tickets SET redeemed = TRUE WHERE id = $1 AND NOT redeemed`,
		ticketID,
	)
	if err != nil {
		return fmt.Errorf("redeem ticket: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		return nil
	}

	var redeemed bool
	err = r.pool.QueryRow(ctx,
		`SELECT redeemed FROM tickets WHERE id = $1`,
		ticketID,
	).Scan(&redeemed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTicketNotFound
		}
		return fmt.Errorf("select ticket: %w", err)
	}

	if redeemed {
		return ErrTicketRedeemed
	}

	return ErrTicketNotFound
}
