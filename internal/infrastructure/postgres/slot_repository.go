package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/slot"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/transaction"
)

type slotRow struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	StartAt        time.Time `db:"start_at"`
	EndAt          time.Time `db:"end_at"`
	TotalCapacity  int       `db:"total_capacity"`
	HeldCount      int       `db:"held_count"`
	ConfirmedCount int       `db:"confirmed_count"`
	Archived       bool      `db:"archived"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
	Version        int       `db:"version"`
}

func (r *slotRow) toEntity() *slot.Slot {
	return &slot.Slot{
		ID: r.ID, Name: r.Name, StartAt: r.StartAt, EndAt: r.EndAt,
		TotalCapacity: r.TotalCapacity, HeldCount: r.HeldCount,
		ConfirmedCount: r.ConfirmedCount, Archived: r.Archived,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, Version: r.Version,
	}
}

const slotColumns = `id, name, start_at, end_at, total_capacity, held_count, confirmed_count, archived, created_at, updated_at, version`

type SlotRepository struct{ db *sqlx.DB }

func NewSlotRepository(db *sqlx.DB) *SlotRepository { return &SlotRepository{db: db} }

func (r *SlotRepository) Create(ctx context.Context, s *slot.Slot) error {
	query := `INSERT INTO slots (name, start_at, end_at, total_capacity, held_count, confirmed_count, archived, created_at, updated_at, version) VALUES ($1, $2, $3, $4, 0, 0, FALSE, $5, $6, 0) RETURNING id`
	if err := r.db.QueryRowContext(ctx, query, s.Name, s.StartAt, s.EndAt, s.TotalCapacity, s.CreatedAt, s.UpdatedAt).Scan(&s.ID); err != nil {
		return fmt.Errorf("スロット作成に失敗: %w", err)
	}
	return nil
}

func (r *SlotRepository) GetByID(ctx context.Context, id string) (*slot.Slot, error) {
	var row slotRow
	query := `SELECT ` + slotColumns + ` FROM slots WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, slot.ErrSlotNotFound
		}
		return nil, fmt.Errorf("スロット取得に失敗: %w", err)
	}
	return row.toEntity(), nil
}

func (r *SlotRepository) List(ctx context.Context, limit, offset int) ([]*slot.Slot, error) {
	var rows []slotRow
	query := `SELECT ` + slotColumns + ` FROM slots WHERE archived = FALSE ORDER BY start_at LIMIT $1 OFFSET $2`
	if err := r.db.SelectContext(ctx, &rows, query, limit, offset); err != nil {
		return nil, fmt.Errorf("スロット一覧取得に失敗: %w", err)
	}
	slots := make([]*slot.Slot, len(rows))
	for i, row := range rows {
		slots[i] = row.toEntity()
	}
	return slots, nil
}

// UpdateCounts は読み取り時のバージョンを条件にカウンタを書き込む
// 条件付き更新が空振りした場合は他の書き込みが先行しているため ErrVersionConflict
func (r *SlotRepository) UpdateCounts(ctx context.Context, tx transaction.Tx, s *slot.Slot) error {
	query := `UPDATE slots SET held_count = $1, confirmed_count = $2, updated_at = NOW(), version = version + 1 WHERE id = $3 AND version = $4`
	result, err := UnwrapTx(tx).ExecContext(ctx, query, s.HeldCount, s.ConfirmedCount, s.ID, s.Version)
	if err != nil {
		return fmt.Errorf("スロット更新に失敗: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return slot.ErrVersionConflict
	}
	s.Version++
	return nil
}

func (r *SlotRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM slots WHERE id = $1 AND confirmed_count = 0`, id)
	if err != nil {
		return fmt.Errorf("スロット削除に失敗: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// 存在しないのか、確定済み予約があって拒否されたのかを区別する
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return slot.ErrSlotHasConfirmed
	}
	return nil
}

func (r *SlotRepository) ArchiveElapsed(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `UPDATE slots SET archived = TRUE, updated_at = NOW() WHERE archived = FALSE AND end_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("スロットアーカイブに失敗: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

var _ slot.Repository = (*SlotRepository)(nil)
