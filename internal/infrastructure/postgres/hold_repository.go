package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/hold"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/transaction"
)

type holdRow struct {
	ID             string     `db:"id"`
	SlotID         string     `db:"slot_id"`
	Units          int        `db:"units"`
	IdempotencyKey string     `db:"idempotency_key"`
	State          string     `db:"state"`
	ExpiresAt      time.Time  `db:"expires_at"`
	ConfirmedAt    *time.Time `db:"confirmed_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (r *holdRow) toEntity() *hold.Hold {
	return &hold.Hold{
		ID: r.ID, SlotID: r.SlotID, Units: r.Units,
		IdempotencyKey: r.IdempotencyKey, State: hold.State(r.State),
		ExpiresAt: r.ExpiresAt, ConfirmedAt: r.ConfirmedAt,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

const holdColumns = `id, slot_id, units, idempotency_key, state, expires_at, confirmed_at, created_at, updated_at`

type HoldRepository struct{ db *sqlx.DB }

func NewHoldRepository(db *sqlx.DB) *HoldRepository { return &HoldRepository{db: db} }

func (r *HoldRepository) Create(ctx context.Context, tx transaction.Tx, h *hold.Hold) error {
	query := `INSERT INTO holds (id, slot_id, units, idempotency_key, state, expires_at, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := UnwrapTx(tx).ExecContext(ctx, query, h.ID, h.SlotID, h.Units, h.IdempotencyKey, string(h.State), h.ExpiresAt, h.CreatedAt, h.UpdatedAt); err != nil {
		if pgErr, ok := err.(*pq.Error); ok && pgErr.Code == "23505" {
			return hold.ErrIdempotencyKeyAlreadyExists
		}
		return fmt.Errorf("ホールド作成に失敗: %w", err)
	}
	return nil
}

func (r *HoldRepository) GetByID(ctx context.Context, id string) (*hold.Hold, error) {
	var row holdRow
	query := `SELECT ` + holdColumns + ` FROM holds WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, hold.ErrHoldNotFound
		}
		return nil, fmt.Errorf("ホールド取得に失敗: %w", err)
	}
	return row.toEntity(), nil
}

func (r *HoldRepository) GetByIdempotencyKey(ctx context.Context, key string) (*hold.Hold, error) {
	var row holdRow
	query := `SELECT ` + holdColumns + ` FROM holds WHERE idempotency_key = $1`
	if err := r.db.GetContext(ctx, &row, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, hold.ErrHoldNotFound
		}
		return nil, fmt.Errorf("ホールド取得に失敗: %w", err)
	}
	return row.toEntity(), nil
}

// Transition はホールドの状態を from から to へ条件付きで更新する
// from でなければ書き込まないため、Confirm / Release / Sweeper が競合しても
// 遷移の勝者は1つに定まる
func (r *HoldRepository) Transition(ctx context.Context, tx transaction.Tx, id string, from, to hold.State, now time.Time) error {
	var (
		result sql.Result
		err    error
	)
	if to == hold.StateConfirmed {
		query := `UPDATE holds SET state = $1, confirmed_at = $2, updated_at = $2 WHERE id = $3 AND state = $4`
		result, err = UnwrapTx(tx).ExecContext(ctx, query, string(to), now, id, string(from))
	} else {
		query := `UPDATE holds SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`
		result, err = UnwrapTx(tx).ExecContext(ctx, query, string(to), now, id, string(from))
	}
	if err != nil {
		return fmt.Errorf("ホールド状態遷移に失敗: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return hold.ErrHoldStateConflict
	}
	return nil
}

func (r *HoldRepository) UpdateExpiry(ctx context.Context, id string, expiresAt, now time.Time) error {
	query := `UPDATE holds SET expires_at = $1, updated_at = $2 WHERE id = $3 AND state = 'active'`
	result, err := r.db.ExecContext(ctx, query, expiresAt, now, id)
	if err != nil {
		return fmt.Errorf("ホールド期限更新に失敗: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return hold.ErrHoldStateConflict
	}
	return nil
}

func (r *HoldRepository) ListActive(ctx context.Context) ([]*hold.Hold, error) {
	var rows []holdRow
	query := `SELECT ` + holdColumns + ` FROM holds WHERE state = 'active' ORDER BY expires_at`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("アクティブホールド一覧取得に失敗: %w", err)
	}
	result := make([]*hold.Hold, len(rows))
	for i, row := range rows {
		result[i] = row.toEntity()
	}
	return result, nil
}

var _ hold.Repository = (*HoldRepository)(nil)
