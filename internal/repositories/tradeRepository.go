package repositories

import (
	"errors"
	"time"

	"ScalpTradeBot/internal/models"

	"gorm.io/gorm"
)

type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository creates a new instance of TradeRepository
func NewTradeRepository(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Create appends a closed trade to the journal
func (r *TradeRepository) Create(trade *models.Trade) error {
	if trade == nil {
		return errors.New("trade cannot be nil")
	}
	return r.db.Create(trade).Error
}

// FindAll retrieves all Trade records
func (r *TradeRepository) FindAll() ([]models.Trade, error) {
	var trades []models.Trade
	err := r.db.Order("closed_at").Find(&trades).Error
	return trades, err
}

// FindBySymbol retrieves all Trade records for a specific symbol
func (r *TradeRepository) FindBySymbol(symbol string) ([]models.Trade, error) {
	if symbol == "" {
		return nil, errors.New("invalid symbol")
	}
	var trades []models.Trade
	err := r.db.Where("symbol = ?", symbol).Order("closed_at").Find(&trades).Error
	return trades, err
}

// GetTradesByTimeRange retrieves trades closed within a time range
func (r *TradeRepository) GetTradesByTimeRange(start, end time.Time) ([]models.Trade, error) {
	var trades []models.Trade
	err := r.db.Where("closed_at BETWEEN ? AND ?", start, end).Order("closed_at").Find(&trades).Error
	return trades, err
}

// GetTotalReturnPct sums realized returns for trades closed within a time range
func (r *TradeRepository) GetTotalReturnPct(start, end time.Time) (float64, error) {
	var total float64
	err := r.db.Model(&models.Trade{}).
		Where("closed_at BETWEEN ? AND ?", start, end).
		Select("COALESCE(SUM(return_pct), 0) as total").
		Scan(&total).Error
	return total, err
}
