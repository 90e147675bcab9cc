package repository

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/ticker-gateway/internal/entity"
)

type PriceAlertRepository struct {
	db *sqlx.DB
}

func NewPriceAlertRepository(db *sqlx.DB) *PriceAlertRepository {
	return &PriceAlertRepository{db: db}
}

func (r *PriceAlertRepository) Create(ctx context.Context, alert *entity.PriceAlert) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(alert.TableName()).
		Columns(
			"user_id",
			"symbol",
			"alert_type",
			"threshold_price",
			"is_active",
			"created_at",
			"updated_at",
		).
		Values(
			alert.UserID,
			alert.Symbol,
			alert.AlertType,
			alert.ThresholdPrice,
			alert.IsActive,
			alert.CreatedAt,
			alert.UpdatedAt,
		).
		Suffix("RETURNING id")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	var id string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err != nil {
		return err
	}

	alert.ID = id

	return err
}

func (r *PriceAlertRepository) GetByUser(ctx context.Context, userID string) ([]entity.PriceAlert, error) {
	var alerts []entity.PriceAlert
	err := r.db.SelectContext(ctx, &alerts, "SELECT * FROM price_alerts WHERE user_id = $1 order by created_at desc", userID)
	return alerts, err
}

func (r *PriceAlertRepository) GetActive(ctx context.Context) ([]entity.PriceAlert, error) {
	var alerts []entity.PriceAlert
	err := r.db.SelectContext(ctx, &alerts, "SELECT * FROM price_alerts WHERE is_active order by created_at desc")
	return alerts, err
}

// Delete removes an alert owned by the given user. It reports whether a
// row was removed so the handler can tell missing from forbidden.
func (r *PriceAlertRepository) Delete(ctx context.Context, userID, alertID string) (bool, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Delete("price_alerts").
		Where(sq.Eq{"id": alertID, "user_id": userID})

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return false, err
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (r *PriceAlertRepository) MarkTriggered(ctx context.Context, alertID string, triggeredAt time.Time) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update("price_alerts").
		Set("is_active", false).
		Set("triggered_at", triggeredAt).
		Set("updated_at", triggeredAt).
		Where(sq.Eq{"id": alertID})

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}
