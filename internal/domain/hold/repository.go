package hold

import (
	"context"
	"time"

	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/transaction"
)

// Repository はホールドリポジトリのインターフェース
type Repository interface {
	// Create は新しいホールドを作成する（トランザクション必須）
	// 冪等性キーが重複する場合は ErrIdempotencyKeyAlreadyExists を返す
	Create(ctx context.Context, tx transaction.Tx, hold *Hold) error

	// GetByID はIDからホールドを取得する
	GetByID(ctx context.Context, id string) (*Hold, error)

	// GetByIdempotencyKey は冪等性キーからホールドを取得する
	GetByIdempotencyKey(ctx context.Context, key string) (*Hold, error)

	// Transition はホールドの状態を条件付きで遷移させる
	// from の状態でなくなっていた場合は ErrHoldStateConflict を返す
	// この条件付き更新により、Confirm / Release / Sweeper の競合でも
	// 1つのホールドの容量精算は正確に1回だけ行われる
	Transition(ctx context.Context, tx transaction.Tx, id string, from, to State, now time.Time) error

	// UpdateExpiry はアクティブなホールドの有効期限を更新する
	UpdateExpiry(ctx context.Context, id string, expiresAt, now time.Time) error

	// ListActive はアクティブなホールド一覧を返す（期限インデックス再構築用）
	ListActive(ctx context.Context) ([]*Hold, error)
}
