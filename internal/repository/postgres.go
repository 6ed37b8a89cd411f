// Package repository содержит реализацию реферального реестра в PostgreSQL.
package repository

import (
	"context"
	"crypto/rand"
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
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/referral-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrDuplicateReferral возвращается, если для приглашённого пользователя уже есть запись.
	ErrDuplicateReferral = errors.New("referral entry already exists for referred user")
	// ErrReferralAlreadyCredited возвращается, если приглашение уже потреблено другим вознаграждением.
	ErrReferralAlreadyCredited = errors.New("referral already consumed by another credit")
	// ErrCreditUnavailable возвращается при попытке использовать недоступное вознаграждение.
	ErrCreditUnavailable = errors.New("credit is not available for use")
)

const referralCodeLen = 8

// Алфавит реферальных кодов без визуально неоднозначных символов.
const referralCodeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// PostgresRepository предоставляет доступ к реферальному реестру в PostgreSQL.
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

// withRetry повторяет операцию при временных ошибках БД: serialization failure,
// deadlock и обрывах соединения. Конфликты уникальности не ретраятся — их
// обрабатывает вызывающая сторона.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GenerateReferralCode генерирует случайный реферальный код.
func GenerateReferralCode() (string, error) {
	buf := make([]byte, referralCodeLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	code := make([]byte, referralCodeLen)
	for i, b := range buf {
		code[i] = referralCodeAlphabet[int(b)%len(referralCodeAlphabet)]
	}

	return string(code), nil
}

// CreateUser создаёт нового пользователя с собственным реферальным кодом.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, tier model.AccountTier) (int64, string, error) {
	// При коллизии сгенерированного кода пробуем ещё раз с новым кодом.
	for attempt := 0; attempt < 3; attempt++ {
		code, err := GenerateReferralCode()
		if err != nil {
			return 0, "", err
		}

		var id int64
		err = r.pool.QueryRow(ctx,
			`INSERT INTO users (login, password_hash, referral_code, account_tier)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			login, passwordHash, code, string(tier),
		).Scan(&id)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				if pgErr.ConstraintName == "users_referral_code_key" {
					continue
				}
				return 0, "", fmt.Errorf("%w: %s", ErrUserExists, login)
			}
			return 0, "", fmt.Errorf("create user: %w", err)
		}
		return id, code, nil
	}

	return 0, "", fmt.Errorf("create user: referral code collisions exhausted")
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u    model.User
		tier string
	)
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.ReferralCode, &tier, &u.PayingSince, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.AccountTier = model.AccountTier(tier)
	return &u, nil
}

const userColumns = `id, login, password_hash, referral_code, account_tier, paying_since, created_at`

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE login = $1`, login))
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByReferralCode возвращает владельца указанного реферального кода.
func (r *PostgresRepository) GetUserByReferralCode(ctx context.Context, code string) (*model.User, error) {
	return scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE referral_code = $1`, code))
}

// CreateReferralEntry фиксирует связь приглашённого пользователя с пригласившим.
// Пользователь может быть приглашён не более одного раза.
func (r *PostgresRepository) CreateReferralEntry(ctx context.Context, referrerID, referredID int64, tier string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO referral_entries (referrer_id, referred_id, subscription_tier)
		 VALUES ($1, $2, $3) RETURNING id`,
		referrerID, referredID, tier,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: referred user %d", ErrDuplicateReferral, referredID)
		}
		return 0, fmt.Errorf("create referral entry: %w", err)
	}
	return id, nil
}

// MarkUserPaying отмечает собственный аккаунт пользователя как платящий.
// Повторный вызов не изменяет состояние.
func (r *PostgresRepository) MarkUserPaying(ctx context.Context, userID int64, tier string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET paying_since = now(), account_tier = $2
		 WHERE id = $1 AND paying_since IS NULL`,
		userID, tier,
	)
	if err != nil {
		return fmt.Errorf("mark user paying: %w", err)
	}
	return nil
}

const entryColumns = `id, referrer_id, referred_id, subscription_tier, subscription_amount, became_paying_at, created_at`

func scanEntry(row pgx.Row) (*model.ReferralEntry, error) {
	var (
		e           model.ReferralEntry
		amountCents *int64
	)
	err := row.Scan(&e.ID, &e.ReferrerID, &e.ReferredID, &e.SubscriptionTier, &amountCents, &e.BecamePayingAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if amountCents != nil {
		v := float64(*amountCents) / 100
		e.SubscriptionAmount = &v
	}
	return &e, nil
}

// MarkBecamePaying отмечает приглашённого пользователя как платящего.
// Условное обновление по became_paying_at IS NULL сериализует конкурентные вызовы:
// ровно один из них видит изменение, остальные получают (nil, nil).
// Возвращает (nil, nil), если записи нет или она уже отмечена.
func (r *PostgresRepository) MarkBecamePaying(ctx context.Context, referredID int64, tier string, amountCents int64) (*model.ReferralEntry, error) {
	var entry *model.ReferralEntry

	err := r.withRetry(ctx, func(ctx context.Context) error {
		row := r.pool.QueryRow(ctx,
			`UPDATE referral_entries
			 SET became_paying_at = now(), subscription_tier = $2, subscription_amount = $3
			 WHERE referred_id = $1 AND became_paying_at IS NULL
			 RETURNING `+entryColumns,
			referredID, tier, amountCents,
		)

		e, err := scanEntry(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				entry = nil
				return nil
			}
			return fmt.Errorf("mark became paying: %w", err)
		}

		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// UncreditedPayingEntries возвращает платящие приглашения пользователя, ещё не
// потреблённые ни одним вознаграждением, от самых ранних к самым поздним.
func (r *PostgresRepository) UncreditedPayingEntries(ctx context.Context, referrerID int64) ([]model.ReferralEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM referral_entries e
		 WHERE e.referrer_id = $1
		   AND e.became_paying_at IS NOT NULL
		   AND NOT EXISTS (SELECT 1 FROM credit_referrals cr WHERE cr.referral_id = e.id)
		 ORDER BY e.became_paying_at`,
		referrerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select uncredited entries: %w", err)
	}
	defer rows.Close()

	var entries []model.ReferralEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entries, nil
}

// CountReferrals возвращает общее число приглашений пользователя и число платящих.
func (r *PostgresRepository) CountReferrals(ctx context.Context, referrerID int64) (int, int, error) {
	var total, paying int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE became_paying_at IS NOT NULL)
		 FROM referral_entries
		 WHERE referrer_id = $1`,
		referrerID,
	).Scan(&total, &paying)
	if err != nil {
		return 0, 0, fmt.Errorf("count referrals: %w", err)
	}
	return total, paying, nil
}

// CreateCredit создаёт вознаграждение и атомарно помечает потреблённые приглашения.
// Первичный ключ credit_referrals.referral_id гарантирует, что из двух конкурентных
// начислений по одним и тем же приглашениям успешным будет ровно одно.
func (r *PostgresRepository) CreateCredit(ctx context.Context, userID int64, referralIDs []int64, issuedAt, expiresAt time.Time) (*model.ReferralCredit, error) {
	if len(referralIDs) == 0 {
		return nil, fmt.Errorf("create credit: empty referral set")
	}

	var credit *model.ReferralCredit

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var creditID int64
		err = tx.QueryRow(ctx,
			`INSERT INTO referral_credits (user_id, issued_at, expires_at)
			 VALUES ($1, $2, $3) RETURNING id`,
			userID, issuedAt, expiresAt,
		).Scan(&creditID)
		if err != nil {
			return fmt.Errorf("insert credit: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO credit_referrals (referral_id, credit_id)
			 SELECT unnest($1::bigint[]), $2`,
			referralIDs, creditID,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return ErrReferralAlreadyCredited
			}
			return fmt.Errorf("insert credit referrals: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		credit = &model.ReferralCredit{
			ID:          creditID,
			UserID:      userID,
			ReferralIDs: referralIDs,
			IssuedAt:    issuedAt,
			ExpiresAt:   expiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return credit, nil
}

// GetCreditsByUser возвращает вознаграждения пользователя вместе с потреблёнными приглашениями.
func (r *PostgresRepository) GetCreditsByUser(ctx context.Context, userID int64) ([]model.ReferralCredit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.user_id, c.issued_at, c.expires_at, c.used_at, c.notified_at,
		        COALESCE(array_agg(cr.referral_id ORDER BY cr.referral_id)
		                 FILTER (WHERE cr.referral_id IS NOT NULL), '{}')
		 FROM referral_credits c
		 LEFT JOIN credit_referrals cr ON cr.credit_id = c.id
		 WHERE c.user_id = $1
		 GROUP BY c.id
		 ORDER BY c.issued_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select credits: %w", err)
	}
	defer rows.Close()

	var credits []model.ReferralCredit
	for rows.Next() {
		var c model.ReferralCredit
		if err := rows.Scan(&c.ID, &c.UserID, &c.IssuedAt, &c.ExpiresAt, &c.UsedAt, &c.NotifiedAt, &c.ReferralIDs); err != nil {
			return nil, fmt.Errorf("scan credit: %w", err)
		}
		credits = append(credits, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return credits, nil
}

// MarkCreditUsed отмечает вознаграждение использованным. Повторное использование
// и использование просроченного вознаграждения невозможны.
func (r *PostgresRepository) MarkCreditUsed(ctx context.Context, creditID, userID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE referral_credits
		 SET used_at = now()
		 WHERE id = $1 AND user_id = $2 AND used_at IS NULL AND expires_at > now()`,
		creditID, userID,
	)
	if err != nil {
		return fmt.Errorf("mark credit used: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCreditUnavailable
	}
	return nil
}

// GetCreditsForNotification возвращает вознаграждения, о которых ещё не уведомлён получатель.
func (r *PostgresRepository) GetCreditsForNotification(ctx context.Context, limit int) ([]model.ReferralCredit, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, issued_at, expires_at, used_at, notified_at
		 FROM referral_credits
		 WHERE notified_at IS NULL
		 ORDER BY issued_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select credits for notification: %w", err)
	}
	defer rows.Close()

	var credits []model.ReferralCredit
	for rows.Next() {
		var c model.ReferralCredit
		if err := rows.Scan(&c.ID, &c.UserID, &c.IssuedAt, &c.ExpiresAt, &c.UsedAt, &c.NotifiedAt); err != nil {
			return nil, fmt.Errorf("scan credit: %w", err)
		}
		credits = append(credits, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return credits, nil
}

// MarkCreditNotified отмечает, что уведомление о вознаграждении отправлено.
func (r *PostgresRepository) MarkCreditNotified(ctx context.Context, creditID int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE referral_credits SET notified_at = now()
		 WHERE id = $1 AND notified_at IS NULL`,
		creditID,
	)
	if err != nil {
		return fmt.Errorf("mark credit notified: %w", err)
	}
	return nil
}
