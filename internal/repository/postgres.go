// Package repository содержит реализации реестра реферальной сети: в памяти и в PostgreSQL.
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
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/referral-network/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const userFields = `u.id, u.email, u.name, u.referral_code, u.parent_id, u.level,
	u.total_earnings, u.direct_earnings, u.indirect_earnings, u.is_active, u.created_at,
	COALESCE((SELECT array_agg(c.id ORDER BY c.attach_seq) FROM users c WHERE c.parent_id = u.id), '{}')`

// querier объединяет пул соединений и транзакцию.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к реестру в PostgreSQL.
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
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil || i == len(delays) || !isRetryable(err) {
			return err
		}

		timer := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Блокировки строк пользователей при конкурирующих покупках и привязках могут дать deadlock.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func dbNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя. Если код не задан, подбирается свободный.
func (r *PostgresRepository) CreateUser(ctx context.Context, draft model.User) (*model.User, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code := draft.ReferralCode
		generated := code == ""
		if generated {
			code = newReferralCode()
		}

		u := model.User{
			ID:               newID(),
			Email:            draft.Email,
			Name:             draft.Name,
			ReferralCode:     code,
			DirectReferrals:  []string{},
			TotalEarnings:    decimal.Zero,
			DirectEarnings:   decimal.Zero,
			IndirectEarnings: decimal.Zero,
			IsActive:         draft.IsActive,
			CreatedAt:        dbNow(),
		}

		_, err := r.pool.Exec(ctx,
			`INSERT INTO users (id, email, name, referral_code, is_active, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			u.ID, u.Email, u.Name, u.ReferralCode, u.IsActive, u.CreatedAt,
		)
		if err == nil {
			return &u, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			switch pgErr.ConstraintName {
			case "users_email_key":
				return nil, fmt.Errorf("%w: %s", ErrUserExists, draft.Email)
			case "users_referral_code_key":
				if generated {
					continue
				}
				return nil, fmt.Errorf("%w: %s", ErrReferralCodeTaken, code)
			}
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	return nil, fmt.Errorf("generate referral code: %w", ErrReferralCodeTaken)
}

func scanUser(row pgx.Row, u *model.User) error {
	var parentID *string
	err := row.Scan(
		&u.ID, &u.Email, &u.Name, &u.ReferralCode, &parentID, &u.Level,
		&u.TotalEarnings, &u.DirectEarnings, &u.IndirectEarnings, &u.IsActive, &u.CreatedAt,
		&u.DirectReferrals,
	)
	if err != nil {
		return err
	}
	if parentID != nil {
		u.ParentID = *parentID
	}
	if u.DirectReferrals == nil {
		u.DirectReferrals = []string{}
	}
	return nil
}

func (r *PostgresRepository) getUserBy(ctx context.Context, column, value string, notFound error) (*model.User, error) {
	var u model.User
	err := scanUser(r.pool.QueryRow(ctx,
		`SELECT `+userFields+` FROM users u WHERE u.`+column+` = $1`,
		value,
	), &u)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", notFound, value)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id string) (*model.User, error) {
	return r.getUserBy(ctx, "id", id, ErrUserNotFound)
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getUserBy(ctx, "email", email, ErrUserNotFound)
}

// GetUserByReferralCode возвращает владельца реферального кода.
func (r *PostgresRepository) GetUserByReferralCode(ctx context.Context, code string) (*model.User, error) {
	return r.getUserBy(ctx, "referral_code", code, ErrReferralCodeNotFound)
}

func collectUsers(rows pgx.Rows) ([]model.User, error) {
	defer rows.Close()

	var res []model.User
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		res = append(res, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListUsers возвращает всех пользователей в порядке регистрации.
func (r *PostgresRepository) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userFields+` FROM users u ORDER BY u.created_at, u.id`)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	return collectUsers(rows)
}

// Descendants возвращает снимок поддерева: сначала корень, затем потомки по уровням.
func (r *PostgresRepository) Descendants(ctx context.Context, rootID string) ([]model.User, error) {
	rows, err := r.pool.Query(ctx,
		`WITH RECURSIVE subtree AS (
			SELECT id, 0 AS depth FROM users WHERE id = $1
			UNION ALL
			SELECT c.id, s.depth + 1 FROM users c JOIN subtree s ON c.parent_id = s.id
		)
		SELECT `+userFields+`
		FROM subtree s JOIN users u ON u.id = s.id
		ORDER BY s.depth, u.attach_seq`,
		rootID,
	)
	if err != nil {
		return nil, fmt.Errorf("select subtree: %w", err)
	}

	res, err := collectUsers(rows)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, rootID)
	}
	return res, nil
}

type lockedUser struct {
	parentID *string
	level    int
}

// lockUsers блокирует строки пользователей в порядке идентификаторов.
func lockUsers(ctx context.Context, tx pgx.Tx, ids []string) (map[string]lockedUser, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, parent_id, level FROM users WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("lock users: %w", err)
	}
	defer rows.Close()

	res := make(map[string]lockedUser, len(ids))
	for rows.Next() {
		var (
			id string
			lu lockedUser
		)
		if err := rows.Scan(&id, &lu.parentID, &lu.level); err != nil {
			return nil, fmt.Errorf("scan locked user: %w", err)
		}
		res[id] = lu
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// AttachReferral делает childID прямым рефералом parentID.
func (r *PostgresRepository) AttachReferral(ctx context.Context, parentID, childID string) error {
	return r.withRetry(ctx, func() error {
		return r.attachReferral(ctx, parentID, childID)
	})
}

// attachReferral выполняется в SERIALIZABLE: две привязки в разных ветках
// могут вместе замкнуть цикл, хотя блокируют разные строки.
func (r *PostgresRepository) attachReferral(ctx context.Context, parentID, childID string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := lockUsers(ctx, tx, []string{parentID, childID})
	if err != nil {
		return err
	}

	parent, ok := locked[parentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, parentID)
	}
	child, ok := locked[childID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, childID)
	}
	if parentID == childID {
		return ErrReferralCycle
	}

	var referrals int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM users WHERE parent_id = $1`,
		parentID,
	).Scan(&referrals); err != nil {
		return fmt.Errorf("count referrals: %w", err)
	}
	if referrals >= model.MaxDirectReferrals {
		return fmt.Errorf("%w: %s", ErrReferralLimit, parentID)
	}
	if child.parentID != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyReferred, childID)
	}

	var cycle bool
	if err := tx.QueryRow(ctx,
		`WITH RECURSIVE chain AS (
			SELECT id, parent_id FROM users WHERE id = $1
			UNION ALL
			SELECT u.id, u.parent_id FROM users u JOIN chain c ON u.id = c.parent_id
		)
		SELECT EXISTS (SELECT 1 FROM chain WHERE id = $2)`,
		parentID, childID,
	).Scan(&cycle); err != nil {
		return fmt.Errorf("check cycle: %w", err)
	}
	if cycle {
		return ErrReferralCycle
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET parent_id = $2, level = $3, attach_seq = nextval('referral_attach_seq') WHERE id = $1`,
		childID, parentID, parent.level+1,
	); err != nil {
		return fmt.Errorf("attach referral: %w", err)
	}

	if shift := parent.level + 1 - child.level; shift != 0 {
		if _, err := tx.Exec(ctx,
			`WITH RECURSIVE sub AS (
				SELECT id FROM users WHERE parent_id = $1
				UNION ALL
				SELECT u.id FROM users u JOIN sub s ON u.parent_id = s.id
			)
			UPDATE users SET level = level + $2 WHERE id IN (SELECT id FROM sub)`,
			childID, shift,
		); err != nil {
			return fmt.Errorf("shift levels: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// RecordPurchase атомарно записывает транзакцию, начисления, изменения балансов и уведомления.
func (r *PostgresRepository) RecordPurchase(ctx context.Context, rec model.PurchaseRecord) (*model.PurchaseResult, error) {
	var res *model.PurchaseResult
	err := r.withRetry(ctx, func() error {
		var err error
		res, err = r.recordPurchase(ctx, rec)
		return err
	})
	return res, err
}

func (r *PostgresRepository) recordPurchase(ctx context.Context, rec model.PurchaseRecord) (*model.PurchaseResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := []string{rec.Transaction.UserID}
	for _, p := range rec.Payouts {
		ids = append(ids, p.Earning.UserID)
	}

	locked, err := lockUsers(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	if _, ok := locked[rec.Transaction.UserID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, rec.Transaction.UserID)
	}
	for _, p := range rec.Payouts {
		if _, ok := locked[p.Earning.UserID]; !ok {
			return nil, fmt.Errorf("%w: earning recipient %s", ErrLedgerInconsistent, p.Earning.UserID)
		}
		if p.Earning.Kind != model.EarningDirect && p.Earning.Kind != model.EarningIndirect {
			return nil, fmt.Errorf("%w: earning kind %q", ErrLedgerInconsistent, p.Earning.Kind)
		}
	}

	now := dbNow()

	txn := rec.Transaction
	txn.ID = newID()
	txn.CreatedAt = now
	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, amount, profit, type, status, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		txn.ID, txn.UserID, txn.Amount, txn.Profit, string(txn.Type), string(txn.Status), txn.Description, txn.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	res := &model.PurchaseResult{
		Transaction:   txn,
		Earnings:      make([]model.Earning, 0, len(rec.Payouts)),
		Notifications: make([]model.Notification, 0, len(rec.Payouts)),
	}

	for _, p := range rec.Payouts {
		e := p.Earning
		e.ID = newID()
		e.TransactionID = txn.ID
		e.CreatedAt = now

		if _, err := tx.Exec(ctx,
			`INSERT INTO earnings (id, user_id, from_user_id, from_user_name, amount, percentage, level, transaction_id, kind, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.ID, e.UserID, e.FromUserID, e.FromUserName, e.Amount, e.Percentage, e.Level, e.TransactionID, string(e.Kind), e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("insert earning: %w", err)
		}

		column := "direct_earnings"
		if e.Kind == model.EarningIndirect {
			column = "indirect_earnings"
		}
		if _, err := tx.Exec(ctx,
			`UPDATE users SET total_earnings = total_earnings + $2, `+column+` = `+column+` + $2 WHERE id = $1`,
			e.UserID, e.Amount,
		); err != nil {
			return nil, fmt.Errorf("update balance: %w", err)
		}

		n := p.Notification
		n.UserID = e.UserID
		if err := insertNotification(ctx, tx, &n, now); err != nil {
			return nil, err
		}

		res.Earnings = append(res.Earnings, e)
		res.Notifications = append(res.Notifications, n)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return res, nil
}

func insertNotification(ctx context.Context, q querier, n *model.Notification, now time.Time) error {
	if n.ID == "" {
		n.ID = newID()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = now
	}

	var amount decimal.NullDecimal
	if n.Amount != nil {
		amount = decimal.NullDecimal{Decimal: *n.Amount, Valid: true}
	}

	if _, err := q.Exec(ctx,
		`INSERT INTO notifications (id, user_id, kind, title, message, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.UserID, string(n.Kind), n.Title, n.Message, amount, n.Timestamp,
	); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	if _, err := q.Exec(ctx,
		`DELETE FROM notifications
		 WHERE user_id = $1 AND seq NOT IN (
			SELECT seq FROM notifications WHERE user_id = $1 ORDER BY seq DESC LIMIT $2
		 )`,
		n.UserID, model.NotificationLogLimit,
	); err != nil {
		return fmt.Errorf("trim notifications: %w", err)
	}

	return nil
}

// AppendNotification добавляет уведомление в журнал пользователя.
func (r *PostgresRepository) AppendNotification(ctx context.Context, n model.Notification) (*model.Notification, error) {
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		locked, err := lockUsers(ctx, tx, []string{n.UserID})
		if err != nil {
			return err
		}
		if _, ok := locked[n.UserID]; !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, n.UserID)
		}

		if err := insertNotification(ctx, tx, &n, dbNow()); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

const (
	transactionFields = `id, user_id, amount, profit, type, status, description, created_at`
	earningFields     = `id, user_id, from_user_id, from_user_name, amount, percentage, level, transaction_id, kind, created_at`
)

func scanTransaction(row pgx.Row, t *model.Transaction) error {
	var typ, status string
	if err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.Profit, &typ, &status, &t.Description, &t.CreatedAt); err != nil {
		return err
	}
	t.Type = model.TransactionType(typ)
	t.Status = model.TransactionStatus(status)
	return nil
}

func scanEarning(row pgx.Row, e *model.Earning) error {
	var kind string
	if err := row.Scan(&e.ID, &e.UserID, &e.FromUserID, &e.FromUserName, &e.Amount, &e.Percentage, &e.Level, &e.TransactionID, &kind, &e.CreatedAt); err != nil {
		return err
	}
	e.Kind = model.EarningKind(kind)
	return nil
}

// GetTransaction возвращает транзакцию по идентификатору.
func (r *PostgresRepository) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	var t model.Transaction
	err := scanTransaction(r.pool.QueryRow(ctx, `SELECT `+transactionFields+` FROM transactions WHERE id = $1`, id), &t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return &t, nil
}

// GetTransactionsByUser возвращает транзакции пользователя в порядке создания.
func (r *PostgresRepository) GetTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionFields+`
		 FROM transactions
		 WHERE user_id = $1
		 ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	res := []model.Transaction{}
	for rows.Next() {
		var t model.Transaction
		if err := scanTransaction(rows, &t); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetEarning возвращает начисление по идентификатору.
func (r *PostgresRepository) GetEarning(ctx context.Context, id string) (*model.Earning, error) {
	var e model.Earning
	err := scanEarning(r.pool.QueryRow(ctx, `SELECT `+earningFields+` FROM earnings WHERE id = $1`, id), &e)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrEarningNotFound, id)
		}
		return nil, fmt.Errorf("get earning: %w", err)
	}
	return &e, nil
}

// GetEarningsByUser возвращает начисления пользователя в порядке создания.
func (r *PostgresRepository) GetEarningsByUser(ctx context.Context, userID string) ([]model.Earning, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+earningFields+`
		 FROM earnings
		 WHERE user_id = $1
		 ORDER BY created_at, level`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select earnings: %w", err)
	}
	defer rows.Close()

	res := []model.Earning{}
	for rows.Next() {
		var e model.Earning
		if err := scanEarning(rows, &e); err != nil {
			return nil, fmt.Errorf("scan earning: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetNotifications возвращает журнал уведомлений, самые новые первыми.
func (r *PostgresRepository) GetNotifications(ctx context.Context, userID string) ([]model.Notification, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, kind, title, message, amount, created_at
		 FROM notifications
		 WHERE user_id = $1
		 ORDER BY seq DESC
		 LIMIT $2`,
		userID, model.NotificationLogLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	defer rows.Close()

	res := []model.Notification{}
	for rows.Next() {
		var (
			n      model.Notification
			kind   string
			amount decimal.NullDecimal
		)
		if err := rows.Scan(&n.ID, &n.UserID, &kind, &n.Title, &n.Message, &amount, &n.Timestamp); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = model.NotificationKind(kind)
		if amount.Valid {
			v := amount.Decimal
			n.Amount = &v
		}
		res = append(res, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
