package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
	"github.com/atmx/presale-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL.
// Amounts are stored as NUMERIC(78,0) base units and read back as TEXT.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetSaleState(ctx context.Context) (*model.SaleState, error) {
	var funds, sold string
	var decimals int16
	var st model.SaleState

	err := s.pool.QueryRow(ctx,
		`SELECT funds_raised::TEXT, funds_decimals, tokens_sold::TEXT, synced_at
		 FROM sale_state WHERE id = 1`).
		Scan(&funds, &decimals, &sold, &st.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sale state: %w", err)
	}

	if st.FundsRaised, err = parseUnits(funds, uint8(decimals), "funds_raised"); err != nil {
		return nil, err
	}
	if st.TotalTokensSold, err = parseUnits(sold, asset.TokenDecimals, "tokens_sold"); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PostgresStore) SaveSaleState(ctx context.Context, st *model.SaleState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sale_state (id, funds_raised, funds_decimals, tokens_sold, synced_at)
		 VALUES (1, $1::NUMERIC, $2, $3::NUMERIC, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET funds_raised = EXCLUDED.funds_raised,
		     funds_decimals = EXCLUDED.funds_decimals,
		     tokens_sold = EXCLUDED.tokens_sold,
		     synced_at = EXCLUDED.synced_at`,
		st.FundsRaised.Units(), int16(st.FundsRaised.Decimals()),
		st.TotalTokensSold.Units(), st.SyncedAt,
	)
	return err
}

func (s *PostgresStore) GetInvestor(ctx context.Context, addr common.Address) (*model.Investor, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT address, token_amount_allocated::TEXT, claimed, updated_at
		 FROM investors WHERE address = $1`, addr.Hex())
	inv, err := scanInvestor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get investor %s: %w", addr.Hex(), err)
	}
	return inv, nil
}

func (s *PostgresStore) ListInvestors(ctx context.Context) ([]model.Investor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address, token_amount_allocated::TEXT, claimed, updated_at
		 FROM investors ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var investors []model.Investor
	for rows.Next() {
		inv, err := scanInvestor(rows)
		if err != nil {
			return nil, err
		}
		investors = append(investors, *inv)
	}
	return investors, rows.Err()
}

func (s *PostgresStore) CreditAllocation(ctx context.Context, addr common.Address, tokens amount.Amount, at time.Time) (*model.Investor, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO investors (address, token_amount_allocated, claimed, updated_at)
		 VALUES ($1, $2::NUMERIC, FALSE, $3)
		 ON CONFLICT (address) DO UPDATE
		 SET token_amount_allocated = investors.token_amount_allocated + EXCLUDED.token_amount_allocated,
		     updated_at = EXCLUDED.updated_at
		 RETURNING address, token_amount_allocated::TEXT, claimed, updated_at`,
		addr.Hex(), tokens.Units(), at,
	)
	inv, err := scanInvestor(row)
	if err != nil {
		return nil, fmt.Errorf("credit allocation %s: %w", addr.Hex(), err)
	}
	return inv, nil
}

func (s *PostgresStore) MarkClaimed(ctx context.Context, addr common.Address, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE investors SET claimed = TRUE, updated_at = $2
		 WHERE address = $1 AND NOT claimed`,
		addr.Hex(), at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM investors WHERE address = $1)`, addr.Hex()).
		Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyClaimed
}

func (s *PostgresStore) InsertReceipt(ctx context.Context, r *model.Receipt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO receipts (id, kind, investor, token_amount, payment_amount, payment_decimals, refunded, asset, tx_id, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, $10)`,
		r.ID, string(r.Kind), r.Investor.Hex(),
		r.TokenAmount.Units(), r.PaymentAmount.Units(), int16(r.PaymentAmount.Decimals()),
		r.Refunded.Units(), assetText(r.Asset), r.TxID, r.Timestamp,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateReceipt
	}
	return err
}

func (s *PostgresStore) GetReceiptsByInvestor(ctx context.Context, addr common.Address) ([]model.Receipt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, investor, token_amount::TEXT, payment_amount::TEXT, payment_decimals,
		        refunded::TEXT, asset, tx_id, timestamp
		 FROM receipts WHERE investor = $1 ORDER BY timestamp, id`, addr.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanReceipts(rows)
}

type pgxRow interface {
	Scan(dest ...interface{}) error
}

// pgxRows is the subset of pgx.Rows the scanners use.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanInvestor(row pgxRow) (*model.Investor, error) {
	var inv model.Investor
	var addr, tokens string
	if err := row.Scan(&addr, &tokens, &inv.Claimed, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	inv.Address = common.HexToAddress(addr)
	var err error
	if inv.TokenAmountAllocated, err = parseUnits(tokens, asset.TokenDecimals, "token_amount_allocated"); err != nil {
		return nil, err
	}
	return &inv, nil
}

func scanReceipts(rows pgxRows) ([]model.Receipt, error) {
	var receipts []model.Receipt
	for rows.Next() {
		var r model.Receipt
		var kind, investor, tokens, payment, refunded, assetSym string
		var decimals int16

		if err := rows.Scan(&r.ID, &kind, &investor, &tokens, &payment, &decimals,
			&refunded, &assetSym, &r.TxID, &r.Timestamp); err != nil {
			return nil, err
		}

		r.Kind = model.ReceiptKind(kind)
		r.Investor = common.HexToAddress(investor)
		var err error
		if r.TokenAmount, err = parseUnits(tokens, asset.TokenDecimals, "token_amount"); err != nil {
			return nil, err
		}
		if r.PaymentAmount, err = parseUnits(payment, uint8(decimals), "payment_amount"); err != nil {
			return nil, err
		}
		if r.Refunded, err = parseUnits(refunded, uint8(decimals), "refunded"); err != nil {
			return nil, err
		}
		if r.Asset, err = parseAssetText(assetSym); err != nil {
			return nil, err
		}

		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}
