package balance

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/character-chat/internal/apperr"
	"github.com/suPer8Hu/character-chat/internal/db/dbtest"
)

func newGuard(t *testing.T, policy Policy) *Guard {
	t.Helper()
	gdb := dbtest.Open(t, &Balance{})
	return NewGuard(NewRepo(gdb), Options{Policy: policy, LowThreshold: 1000, Logger: zerolog.Nop()})
}

func fund(t *testing.T, g *Guard, userID uint64, amount int64) {
	t.Helper()
	_, err := g.Credit(context.Background(), userID, amount)
	require.NoError(t, err)
}

func currentBalance(t *testing.T, g *Guard, userID uint64) int64 {
	t.Helper()
	st, err := g.Status(context.Background(), userID)
	require.NoError(t, err)
	return st.Current
}

func TestReserve_HardCapRejectsShortfall(t *testing.T) {
	g := newGuard(t, PolicyHardCap)
	fund(t, g, 1, 50)

	_, err := g.Reserve(context.Background(), 1, 100)
	var ib *apperr.InsufficientBalance
	require.ErrorAs(t, err, &ib)
	require.Equal(t, int64(50), ib.Current)
	require.Equal(t, int64(100), ib.Required)
	require.Equal(t, int64(50), ib.Shortfall())
	require.Equal(t, int64(50), currentBalance(t, g, 1))
}

func TestReserve_GraceAdmitsShortfallButNotEmpty(t *testing.T) {
	g := newGuard(t, PolicyGrace)
	fund(t, g, 1, 50)

	res, err := g.Reserve(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Equal(t, int64(50), res.Balance)

	_, err = g.Reserve(context.Background(), 2, 1)
	require.True(t, apperr.Is(err, apperr.KindInsufficientBalance), "a user without credit is always rejected")
}

func TestSettle_DebitsActualNotEstimate(t *testing.T) {
	g := newGuard(t, PolicyHardCap)
	fund(t, g, 1, 1000)

	res, err := g.Reserve(context.Background(), 1, 120)
	require.NoError(t, err)
	s, err := g.Settle(context.Background(), res, 95)
	require.NoError(t, err)
	require.Equal(t, Settlement{Requested: 95, Debited: 95, Balance: 905}, s)
	require.Equal(t, int64(905), currentBalance(t, g, 1))

	b, err := g.repo.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(95), b.LifetimeSpent)
	require.Equal(t, int64(1000), b.LifetimeEarned)
}

func TestSettle_ClampsAtZero(t *testing.T) {
	g := newGuard(t, PolicyGrace)
	fund(t, g, 1, 30)

	res, err := g.Reserve(context.Background(), 1, 10)
	require.NoError(t, err)
	s, err := g.Settle(context.Background(), res, 80)
	require.NoError(t, err)
	require.True(t, s.Clamped)
	require.Equal(t, int64(30), s.Debited)
	require.Equal(t, int64(0), s.Balance)
	require.Equal(t, int64(0), currentBalance(t, g, 1))
}

func TestSettle_OnlyOnce(t *testing.T) {
	g := newGuard(t, PolicyHardCap)
	fund(t, g, 1, 100)

	res, err := g.Reserve(context.Background(), 1, 10)
	require.NoError(t, err)
	_, err = g.Settle(context.Background(), res, 10)
	require.NoError(t, err)
	_, err = g.Settle(context.Background(), res, 10)
	require.True(t, apperr.Is(err, apperr.KindConflict))

	g.Release(res)
	require.Equal(t, int64(90), currentBalance(t, g, 1))
}

func TestRelease_LeavesBalanceUntouched(t *testing.T) {
	g := newGuard(t, PolicyHardCap)
	fund(t, g, 1, 100)

	res, err := g.Reserve(context.Background(), 1, 60)
	require.NoError(t, err)
	g.Release(res)

	_, err = g.Settle(context.Background(), res, 60)
	require.Error(t, err, "a released reservation cannot be settled")
	require.Equal(t, int64(100), currentBalance(t, g, 1))
}

func TestSettle_ConcurrentDebitsAreAtomic(t *testing.T) {
	g := newGuard(t, PolicyGrace)
	fund(t, g, 1, 100)

	const n = 8
	var wg sync.WaitGroup
	results := make([]Settlement, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		res, err := g.Reserve(context.Background(), 1, 1)
		require.NoError(t, err)
		wg.Add(1)
		go func(i int, res *Reservation) {
			defer wg.Done()
			results[i], errs[i] = g.Settle(context.Background(), res, 20)
		}(i, res)
	}
	wg.Wait()

	var debited int64
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		debited += results[i].Debited
	}
	require.Equal(t, int64(100), debited, "8 x 20 against 100 debits exactly the balance")
	require.Equal(t, int64(0), currentBalance(t, g, 1))
}

func TestStatus(t *testing.T) {
	g := newGuard(t, PolicyHardCap)

	st, err := g.Status(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, Status{Current: 0, IsLow: true, IsDepleted: true}, st)

	fund(t, g, 7, 999)
	st, err = g.Status(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, Status{Current: 999, IsLow: true}, st)

	fund(t, g, 7, 1)
	st, err = g.Status(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, Status{Current: 1000}, st)
}

func TestCredit_RejectsNonPositive(t *testing.T) {
	g := newGuard(t, PolicyHardCap)
	_, err := g.Credit(context.Background(), 1, 0)
	require.True(t, apperr.Is(err, apperr.KindValidation))
}
