package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
	"github.com/atmx/presale-engine/internal/model"
)

// SQLiteStore implements Store on a single-node SQLite file through gorm.
// Amounts are TEXT base units; SQLite has no 256-bit integer type, so
// allocation credits are a serialized read-modify-write.
type SQLiteStore struct {
	db       *gorm.DB
	creditMu sync.Mutex
}

type saleStateRow struct {
	ID            uint `gorm:"primaryKey"`
	FundsRaised   string
	FundsDecimals uint8
	TokensSold    string
	SyncedAt      time.Time
}

func (saleStateRow) TableName() string { return "sale_state" }

type investorRow struct {
	Address              string `gorm:"primaryKey"`
	TokenAmountAllocated string
	Claimed              bool
	UpdatedAt            time.Time `gorm:"autoUpdateTime:false"`
}

func (investorRow) TableName() string { return "investors" }

type receiptRow struct {
	ID              string `gorm:"primaryKey"`
	Kind            string
	Investor        string `gorm:"index"`
	TokenAmount     string
	PaymentAmount   string
	PaymentDecimals uint8
	Refunded        string
	Asset           string
	TxID            string
	Timestamp       time.Time
}

func (receiptRow) TableName() string { return "receipts" }

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an open gorm handle and migrates the schema.
func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if err := db.AutoMigrate(&saleStateRow{}, &investorRow{}, &receiptRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetSaleState(ctx context.Context) (*model.SaleState, error) {
	var row saleStateRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st := model.SaleState{SyncedAt: row.SyncedAt}
	if st.FundsRaised, err = parseUnits(row.FundsRaised, row.FundsDecimals, "funds_raised"); err != nil {
		return nil, err
	}
	if st.TotalTokensSold, err = parseUnits(row.TokensSold, asset.TokenDecimals, "tokens_sold"); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQLiteStore) SaveSaleState(ctx context.Context, st *model.SaleState) error {
	row := saleStateRow{
		ID:            1,
		FundsRaised:   st.FundsRaised.Units(),
		FundsDecimals: st.FundsRaised.Decimals(),
		TokensSold:    st.TotalTokensSold.Units(),
		SyncedAt:      st.SyncedAt,
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *SQLiteStore) GetInvestor(ctx context.Context, addr common.Address) (*model.Investor, error) {
	var row investorRow
	err := s.db.WithContext(ctx).First(&row, "address = ?", addr.Hex()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *SQLiteStore) ListInvestors(ctx context.Context) ([]model.Investor, error) {
	var rows []investorRow
	if err := s.db.WithContext(ctx).Order("address").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Investor, 0, len(rows))
	for _, row := range rows {
		inv, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, nil
}

func (s *SQLiteStore) CreditAllocation(ctx context.Context, addr common.Address, tokens amount.Amount, at time.Time) (*model.Investor, error) {
	s.creditMu.Lock()
	defer s.creditMu.Unlock()

	var result *model.Investor
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row investorRow
		err := tx.First(&row, "address = ?", addr.Hex()).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = investorRow{Address: addr.Hex(), TokenAmountAllocated: "0"}
		case err != nil:
			return err
		}
		cur, err := parseUnits(row.TokenAmountAllocated, asset.TokenDecimals, "token_amount_allocated")
		if err != nil {
			return err
		}
		total, err := cur.Add(tokens)
		if err != nil {
			return err
		}
		row.TokenAmountAllocated = total.Units()
		row.UpdatedAt = at
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		result, err = row.toModel()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("credit allocation %s: %w", addr.Hex(), err)
	}
	return result, nil
}

func (s *SQLiteStore) MarkClaimed(ctx context.Context, addr common.Address, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&investorRow{}).
		Where("address = ? AND claimed = ?", addr.Hex(), false).
		Updates(map[string]interface{}{"claimed": true, "updated_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&investorRow{}).Where("address = ?", addr.Hex()).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrAlreadyClaimed
}

func (s *SQLiteStore) InsertReceipt(ctx context.Context, r *model.Receipt) error {
	row := receiptRow{
		ID:              r.ID,
		Kind:            string(r.Kind),
		Investor:        r.Investor.Hex(),
		TokenAmount:     r.TokenAmount.Units(),
		PaymentAmount:   r.PaymentAmount.Units(),
		PaymentDecimals: r.PaymentAmount.Decimals(),
		Refunded:        r.Refunded.Units(),
		Asset:           assetText(r.Asset),
		TxID:            r.TxID,
		Timestamp:       r.Timestamp,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateReceipt
	}
	return nil
}

func (s *SQLiteStore) GetReceiptsByInvestor(ctx context.Context, addr common.Address) ([]model.Receipt, error) {
	var rows []receiptRow
	if err := s.db.WithContext(ctx).
		Where("investor = ?", addr.Hex()).
		Order("timestamp, id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	var out []model.Receipt
	for _, row := range rows {
		r := model.Receipt{
			ID:        row.ID,
			Kind:      model.ReceiptKind(row.Kind),
			Investor:  common.HexToAddress(row.Investor),
			TxID:      row.TxID,
			Timestamp: row.Timestamp,
		}
		var err error
		if r.TokenAmount, err = parseUnits(row.TokenAmount, asset.TokenDecimals, "token_amount"); err != nil {
			return nil, err
		}
		if r.PaymentAmount, err = parseUnits(row.PaymentAmount, row.PaymentDecimals, "payment_amount"); err != nil {
			return nil, err
		}
		if r.Refunded, err = parseUnits(row.Refunded, row.PaymentDecimals, "refunded"); err != nil {
			return nil, err
		}
		if r.Asset, err = parseAssetText(row.Asset); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (r investorRow) toModel() (*model.Investor, error) {
	tokens, err := parseUnits(r.TokenAmountAllocated, asset.TokenDecimals, "token_amount_allocated")
	if err != nil {
		return nil, err
	}
	return &model.Investor{
		Address:              common.HexToAddress(r.Address),
		TokenAmountAllocated: tokens,
		Claimed:              r.Claimed,
		UpdatedAt:            r.UpdatedAt,
	}, nil
}
