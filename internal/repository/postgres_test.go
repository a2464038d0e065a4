package repository

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/referral-network/internal/model"
)

// newTestPostgres подключается к БД из DATABASE_URI и очищает реестр.
// Без DATABASE_URI тест пропускается.
func newTestPostgres(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("DATABASE_URI")
	if dsn == "" {
		t.Skip("DATABASE_URI is not set")
	}

	r, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	_, err = r.pool.Exec(context.Background(), `TRUNCATE notifications, earnings, transactions, users`)
	require.NoError(t, err)

	return r
}

func createPgUser(t *testing.T, r *PostgresRepository, name string) *model.User {
	t.Helper()

	u, err := r.CreateUser(context.Background(), model.User{
		Email:    name + "@example.com",
		Name:     name,
		IsActive: true,
	})
	require.NoError(t, err)
	return u
}

func TestPostgres_CreateUserConstraints(t *testing.T) {
	r := newTestPostgres(t)
	ctx := context.Background()

	_, err := r.CreateUser(ctx, model.User{Email: "a@example.com", Name: "A", ReferralCode: "CODE01"})
	require.NoError(t, err)

	_, err = r.CreateUser(ctx, model.User{Email: "a@example.com", Name: "Again"})
	assert.ErrorIs(t, err, ErrUserExists)
	assert.ErrorIs(t, err, model.ErrConstraint)

	_, err = r.CreateUser(ctx, model.User{Email: "b@example.com", Name: "B", ReferralCode: "CODE01"})
	assert.ErrorIs(t, err, ErrReferralCodeTaken)

	u, err := r.GetUserByReferralCode(ctx, "CODE01")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", u.Email)
	assert.Empty(t, u.DirectReferrals)

	_, err = r.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestPostgres_AttachReferral(t *testing.T) {
	r := newTestPostgres(t)
	ctx := context.Background()

	a := createPgUser(t, r, "a")
	b := createPgUser(t, r, "b")
	c := createPgUser(t, r, "c")

	require.NoError(t, r.AttachReferral(ctx, a.ID, b.ID))
	require.NoError(t, r.AttachReferral(ctx, b.ID, c.ID))

	gotA, err := r.GetUser(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, gotA.DirectReferrals)

	gotC, err := r.GetUser(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, gotC.ParentID)
	assert.Equal(t, 2, gotC.Level)

	tests := []struct {
		name    string
		parent  string
		child   string
		wantErr error
	}{
		{name: "self", parent: a.ID, child: a.ID, wantErr: ErrReferralCycle},
		{name: "cycle", parent: c.ID, child: a.ID, wantErr: ErrReferralCycle},
		{name: "already referred", parent: a.ID, child: c.ID, wantErr: ErrAlreadyReferred},
		{name: "unknown parent", parent: "missing", child: c.ID, wantErr: ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.AttachReferral(ctx, tt.parent, tt.child)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPostgres_AttachReferral_ShiftsSubtreeLevels(t *testing.T) {
	r := newTestPostgres(t)
	ctx := context.Background()

	root := createPgUser(t, r, "root")
	b := createPgUser(t, r, "b")
	c := createPgUser(t, r, "c")
	d := createPgUser(t, r, "d")

	require.NoError(t, r.AttachReferral(ctx, b.ID, c.ID))
	require.NoError(t, r.AttachReferral(ctx, c.ID, d.ID))
	require.NoError(t, r.AttachReferral(ctx, root.ID, b.ID))

	subtree, err := r.Descendants(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, subtree, 4)

	levels := make(map[string]int, len(subtree))
	for _, u := range subtree {
		levels[u.ID] = u.Level
	}
	assert.Equal(t, map[string]int{root.ID: 0, b.ID: 1, c.ID: 2, d.ID: 3}, levels)
	assert.Equal(t, root.ID, subtree[0].ID)
}

func TestPostgres_AttachReferral_FanOutCap(t *testing.T) {
	r := newTestPostgres(t)
	ctx := context.Background()

	parent := createPgUser(t, r, "parent")
	for i := 0; i < model.MaxDirectReferrals; i++ {
		child := createPgUser(t, r, fmt.Sprintf("child%d", i))
		require.NoError(t, r.AttachReferral(ctx, parent.ID, child.ID))
	}

	extra := createPgUser(t, r, "extra")
	err := r.AttachReferral(ctx, parent.ID, extra.ID)
	assert.ErrorIs(t, err, ErrReferralLimit)

	got, err := r.GetUser(ctx, extra.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ParentID)
}

func TestPostgres_RecordPurchase(t *testing.T) {
	r := newTestPostgres(t)
	ctx := context.Background()

	a := createPgUser(t, r, "a")
	b := createPgUser(t, r, "b")
	c := createPgUser(t, r, "c")

	res, err := r.RecordPurchase(ctx, purchaseRecord(c,
		payout(b, c, 50, 1, model.EarningDirect),
		payout(a, c, 10, 2, model.EarningIndirect),
	))
	require.NoError(t, err)
	require.Len(t, res.Earnings, 2)

	txn, err := r.GetTransaction(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, txn.UserID)
	assert.True(t, txn.Amount.Equal(decimal.NewFromInt(2000)))

	e, err := r.GetEarning(ctx, res.Earnings[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.EarningIndirect, e.Kind)
	assert.Equal(t, res.Transaction.ID, e.TransactionID)

	gotB, err := r.GetUser(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, gotB.DirectEarnings.Equal(decimal.NewFromInt(50)))
	assert.True(t, gotB.TotalEarnings.Equal(decimal.NewFromInt(50)))

	gotA, err := r.GetUser(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, gotA.IndirectEarnings.Equal(decimal.NewFromInt(10)))

	_, err = r.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	_, err = r.GetEarning(ctx, "missing")
	assert.ErrorIs(t, err, ErrEarningNotFound)
}

func TestPostgres_RecordPurchase_MissingRecipientChangesNothing(t *testing.T) {
	r := newTestPostgres(t)
	ctx := context.Background()

	b := createPgUser(t, r, "b")
	c := createPgUser(t, r, "c")
	ghost := &model.User{ID: "ghost", Name: "Ghost"}

	_, err := r.RecordPurchase(ctx, purchaseRecord(c,
		payout(b, c, 50, 1, model.EarningDirect),
		payout(ghost, c, 10, 2, model.EarningIndirect),
	))
	assert.ErrorIs(t, err, ErrLedgerInconsistent)

	txns, err := r.GetTransactionsByUser(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, txns)

	gotB, err := r.GetUser(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, gotB.TotalEarnings.IsZero())
}

func TestPostgres_AppendNotification_Bounded(t *testing.T) {
	r := newTestPostgres(t)
	ctx := context.Background()

	u := createPgUser(t, r, "u")
	for i := 0; i < model.NotificationLogLimit+5; i++ {
		_, err := r.AppendNotification(ctx, model.Notification{
			Kind:    model.NotificationNewReferral,
			UserID:  u.ID,
			Title:   "New Referral",
			Message: fmt.Sprintf("note %d", i),
		})
		require.NoError(t, err)
	}

	notes, err := r.GetNotifications(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, notes, model.NotificationLogLimit)
	assert.Equal(t, fmt.Sprintf("note %d", model.NotificationLogLimit+4), notes[0].Message)
	assert.Equal(t, "note 5", notes[len(notes)-1].Message)

	var stored int
	require.NoError(t, r.pool.QueryRow(ctx, `SELECT count(*) FROM notifications WHERE user_id = $1`, u.ID).Scan(&stored))
	assert.Equal(t, model.NotificationLogLimit, stored)

	_, err = r.AppendNotification(ctx, model.Notification{UserID: "missing", Title: "x"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}
