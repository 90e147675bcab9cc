package entity

import (
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

type AlertType string

const (
	AlertTypeAbove AlertType = "above"
	AlertTypeBelow AlertType = "below"
)

type PriceAlert struct {
	ID             string          `db:"id" json:"id"`
	UserID         string          `db:"user_id" json:"user_id"`
	Symbol         string          `db:"symbol" json:"symbol"`
	AlertType      AlertType       `db:"alert_type" json:"alert_type"`
	ThresholdPrice decimal.Decimal `db:"threshold_price" json:"threshold_price"`
	IsActive       bool            `db:"is_active" json:"is_active"`
	TriggeredAt    null.Time       `db:"triggered_at" json:"triggered_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

func (PriceAlert) TableName() string {
	return "price_alerts"
}

type PriceAlertTriggeredEvent struct {
	AlertID        string          `json:"alert_id"`
	UserID         string          `json:"user_id"`
	Symbol         string          `json:"symbol"`
	AlertType      AlertType       `json:"alert_type"`
	ThresholdPrice decimal.Decimal `json:"threshold_price"`
	LastPrice      decimal.Decimal `json:"last_price"`
	TriggeredAt    time.Time       `json:"triggered_at"`
}
