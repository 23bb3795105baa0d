package posting

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// StockRepository reads stock item prices.
type StockRepository interface {
	UnitPrice(ctx context.Context, stockID string) (decimal.Decimal, error)
}

type stockRepository struct {
	pool *pgxpool.Pool
}

// NewStockRepository constructs the pgx backed stock reader.
func NewStockRepository(pool *pgxpool.Pool) StockRepository {
	return &stockRepository{pool: pool}
}

func (r *stockRepository) UnitPrice(ctx context.Context, stockID string) (decimal.Decimal, error) {
	var raw string
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(unit_price, 0)::text FROM stock WHERE id = $1`, stockID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrStockNotFound
		}
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}
