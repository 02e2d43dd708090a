// Package balance is the admission gate around generation sessions.
//
// Reservations are advisory: nothing is debited until Settle, so an aborted session needs
// no compensating write.
package balance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/character-chat/internal/apperr"
	"github.com/suPer8Hu/character-chat/internal/common"
	"github.com/suPer8Hu/character-chat/internal/metrics"
)

type Policy string

const (
	// PolicyHardCap rejects when the balance cannot cover the estimate.
	PolicyHardCap Policy = "hard_cap"
	// PolicyGrace only rejects an empty balance; an estimate above the balance is admitted
	// with a warning and settlement clamps at zero.
	PolicyGrace Policy = "grace"
)

func ParsePolicy(s string) Policy {
	if Policy(s) == PolicyGrace {
		return PolicyGrace
	}
	return PolicyHardCap
}

const (
	reservationOpen int32 = iota
	reservationSettled
	reservationReleased
)

type Reservation struct {
	ID        string
	UserID    uint64
	Estimate  int64
	Balance   int64 // observed at admission
	CreatedAt time.Time

	state int32
}

// Settlement is the outcome of debiting a finished session.
type Settlement struct {
	Requested int64 `json:"requested"`
	Debited   int64 `json:"debited"`
	Balance   int64 `json:"balance"`
	Clamped   bool  `json:"clamped"`
}

type Status struct {
	Current    int64 `json:"current"`
	IsLow      bool  `json:"is_low"`
	IsDepleted bool  `json:"is_depleted"`
}

type Options struct {
	Policy       Policy
	LowThreshold int64
	Logger       zerolog.Logger
}

type Guard struct {
	repo         *Repo
	policy       Policy
	lowThreshold int64
	log          zerolog.Logger
}

const maxSettleAttempts = 16

func NewGuard(repo *Repo, opts Options) *Guard {
	if opts.Policy == "" {
		opts.Policy = PolicyHardCap
	}
	if opts.LowThreshold <= 0 {
		opts.LowThreshold = 1000
	}
	return &Guard{repo: repo, policy: opts.Policy, lowThreshold: opts.LowThreshold, log: opts.Logger}
}

func (g *Guard) Policy() Policy { return g.policy }

// Reserve admits a session whose cost is estimated at estimate, or returns
// *apperr.InsufficientBalance.
func (g *Guard) Reserve(ctx context.Context, userID uint64, estimate int64) (*Reservation, error) {
	if userID == 0 {
		return nil, apperr.Authorization("user id required")
	}
	if estimate < 0 {
		return nil, apperr.Validation("estimated cost must not be negative")
	}

	b, err := g.repo.Get(ctx, userID)
	if err != nil {
		return nil, apperr.Persistence(err, "read balance")
	}

	reject := b.CurrentBalance <= 0
	if !reject && b.CurrentBalance < estimate {
		if g.policy == PolicyHardCap {
			reject = true
		} else {
			g.log.Warn().
				Uint64("user_id", userID).
				Int64("balance", b.CurrentBalance).
				Int64("estimate", estimate).
				Msg("admitting session above remaining balance")
		}
	}
	if reject {
		metrics.BalanceRejections.Inc()
		return nil, &apperr.InsufficientBalance{UserID: userID, Current: b.CurrentBalance, Required: estimate}
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, apperr.Persistence(err, "reservation id")
	}
	return &Reservation{
		ID:        id,
		UserID:    userID,
		Estimate:  estimate,
		Balance:   b.CurrentBalance,
		CreatedAt: time.Now(),
	}, nil
}

// Settle debits exactly actual from the reservation's user. If actual exceeds the current
// balance, the debit is clamped so the balance stops at zero and Clamped is reported.
func (g *Guard) Settle(ctx context.Context, res *Reservation, actual int64) (Settlement, error) {
	if res == nil {
		return Settlement{}, apperr.Validation("reservation required")
	}
	if actual < 0 {
		return Settlement{}, apperr.Validation("actual cost must not be negative")
	}
	if !atomic.CompareAndSwapInt32(&res.state, reservationOpen, reservationSettled) {
		return Settlement{}, apperr.Conflict("reservation %s already closed", res.ID)
	}

	for attempt := 0; attempt < maxSettleAttempts; attempt++ {
		b, err := g.repo.Get(ctx, res.UserID)
		if err != nil {
			atomic.StoreInt32(&res.state, reservationOpen)
			return Settlement{}, apperr.Persistence(err, "read balance")
		}

		current := max(b.CurrentBalance, 0)
		debit := min(actual, current)
		if debit > 0 {
			ok, err := g.repo.CompareAndDebit(ctx, res.UserID, b.CurrentBalance, debit)
			if err != nil {
				atomic.StoreInt32(&res.state, reservationOpen)
				return Settlement{}, apperr.Persistence(err, "debit balance")
			}
			if !ok {
				continue
			}
		}

		s := Settlement{
			Requested: actual,
			Debited:   debit,
			Balance:   b.CurrentBalance - debit,
			Clamped:   debit < actual,
		}
		metrics.BalanceDebited.Add(float64(debit))
		if s.Clamped {
			metrics.BalanceClamped.Inc()
			g.log.Warn().
				Uint64("user_id", res.UserID).
				Int64("actual", actual).
				Int64("debited", debit).
				Msg("settlement clamped at zero balance")
		}
		return s, nil
	}

	atomic.StoreInt32(&res.state, reservationOpen)
	return Settlement{}, apperr.Conflict("balance contended, settle again")
}

// Release closes a reservation without debiting. Releasing a settled reservation is a no-op.
func (g *Guard) Release(res *Reservation) {
	if res == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&res.state, reservationOpen, reservationReleased) {
		g.log.Debug().Str("reservation_id", res.ID).Uint64("user_id", res.UserID).Msg("reservation released")
	}
}

// Credit is the entry point for top-up and reward collaborators.
func (g *Guard) Credit(ctx context.Context, userID uint64, amount int64) (*Balance, error) {
	if amount <= 0 {
		return nil, apperr.Validation("credit amount must be positive")
	}
	b, err := g.repo.Credit(ctx, userID, amount)
	if err != nil {
		return nil, apperr.Persistence(err, "credit balance")
	}
	return b, nil
}

func (g *Guard) Status(ctx context.Context, userID uint64) (Status, error) {
	b, err := g.repo.Get(ctx, userID)
	if err != nil {
		return Status{}, apperr.Persistence(err, "read balance")
	}
	return Status{
		Current:    b.CurrentBalance,
		IsLow:      b.CurrentBalance < g.lowThreshold,
		IsDepleted: b.CurrentBalance <= 0,
	}, nil
}
