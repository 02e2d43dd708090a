package balance

import "time"

// Balance is a user's spendable credit ledger.
type Balance struct {
	UserID         uint64    `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	CurrentBalance int64     `gorm:"not null;default:0" json:"current_balance"`
	LifetimeEarned int64     `gorm:"not null;default:0" json:"lifetime_earned"`
	LifetimeSpent  int64     `gorm:"not null;default:0" json:"lifetime_spent"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Balance) TableName() string { return "user_balances" }
