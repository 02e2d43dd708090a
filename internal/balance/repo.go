package balance

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Get returns the user's ledger. A user without a row has a zero balance.
func (r *Repo) Get(ctx context.Context, userID uint64) (*Balance, error) {
	var b Balance
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Balance{UserID: userID}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get balance")
	}
	return &b, nil
}

// Credit adds amount to the current balance and lifetime earned counter, creating the row
// on first use.
func (r *Repo) Credit(ctx context.Context, userID uint64, amount int64) (*Balance, error) {
	var out Balance
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Balance{UserID: userID}).Error; err != nil {
			return err
		}
		if err := tx.Model(&Balance{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"current_balance": gorm.Expr("current_balance + ?", amount),
				"lifetime_earned": gorm.Expr("lifetime_earned + ?", amount),
				"updated_at":      time.Now(),
			}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).First(&out).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "credit balance")
	}
	return &out, nil
}

// CompareAndDebit subtracts debit only if the balance still equals expected. It reports
// false when another writer changed the balance first.
func (r *Repo) CompareAndDebit(ctx context.Context, userID uint64, expected, debit int64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Balance{}).
		Where("user_id = ? AND current_balance = ?", userID, expected).
		Updates(map[string]any{
			"current_balance": expected - debit,
			"lifetime_spent":  gorm.Expr("lifetime_spent + ?", debit),
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "debit balance")
	}
	return res.RowsAffected == 1, nil
}
