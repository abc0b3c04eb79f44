package store

import (
	"context"
	"database/sql"
	"errors"

	"YDCoursePurchase/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) RecordAttempt(ctx context.Context, a models.Attempt) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO purchase_attempts (
			intent_id, account, chain_id, course_id, price, step,
			error_kind, cause, message, approve_tx, purchase_tx,
			started_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (intent_id) DO NOTHING
	`,
		a.IntentID,
		a.Account,
		a.ChainID,
		a.CourseID,
		a.Price,
		a.Step,
		a.ErrorKind,
		a.Cause,
		a.Message,
		a.ApproveTx,
		a.PurchaseTx,
		a.StartedAt,
		a.FinishedAt,
	)
	return err
}

// ListAttempts returns the most recent attempts of account on chainID.
func (s *Store) ListAttempts(ctx context.Context, account string, chainID int64, limit int) ([]models.Attempt, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT intent_id, account, chain_id, course_id, price, step,
			error_kind, cause, message, approve_tx, purchase_tx,
			started_at, finished_at
		FROM purchase_attempts
		WHERE account=$1 AND chain_id=$2
		ORDER BY finished_at DESC
		LIMIT $3
	`, account, chainID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var approveTx, purchaseTx sql.NullString
		if err := rows.Scan(
			&a.IntentID,
			&a.Account,
			&a.ChainID,
			&a.CourseID,
			&a.Price,
			&a.Step,
			&a.ErrorKind,
			&a.Cause,
			&a.Message,
			&approveTx,
			&purchaseTx,
			&a.StartedAt,
			&a.FinishedAt,
		); err != nil {
			return nil, err
		}
		if approveTx.Valid {
			a.ApproveTx = &approveTx.String
		}
		if purchaseTx.Valid {
			a.PurchaseTx = &purchaseTx.String
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SaveSnapshot(ctx context.Context, snap models.AccountSnapshot) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO account_snapshots (account, chain_id, balance, allowance, purchased, block, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (account, chain_id) DO UPDATE SET
			balance=EXCLUDED.balance,
			allowance=EXCLUDED.allowance,
			purchased=EXCLUDED.purchased,
			block=EXCLUDED.block,
			updated_at=EXCLUDED.updated_at
		WHERE account_snapshots.updated_at <= EXCLUDED.updated_at
	`, snap.Account, snap.ChainID, snap.Balance, snap.Allowance, snap.Purchased, int64(snap.Block), snap.UpdatedAt)
	return err
}

func (s *Store) GetSnapshot(ctx context.Context, account string, chainID int64) (*models.AccountSnapshot, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT account, chain_id, balance, allowance, purchased, block, updated_at
		FROM account_snapshots WHERE account=$1 AND chain_id=$2
	`, account, chainID)

	var (
		snap  models.AccountSnapshot
		block int64
	)
	err := row.Scan(&snap.Account, &snap.ChainID, &snap.Balance, &snap.Allowance, &snap.Purchased, &block, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	snap.Block = uint64(block)
	return &snap, nil
}
