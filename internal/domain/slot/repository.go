package slot

import (
	"context"
	"time"

	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/transaction"
)

// Repository はスロットリポジトリのインターフェース
type Repository interface {
	// Create は新しいスロットを作成する
	Create(ctx context.Context, slot *Slot) error

	// GetByID はIDからスロットを取得する
	GetByID(ctx context.Context, id string) (*Slot, error)

	// List はスロット一覧を取得する
	List(ctx context.Context, limit, offset int) ([]*Slot, error)

	// UpdateCounts はカウンタを条件付きで更新する（楽観的ロック）
	// 読み取り時のバージョンが一致しない場合は ErrVersionConflict を返す
	UpdateCounts(ctx context.Context, tx transaction.Tx, slot *Slot) error

	// Delete はスロットを削除する
	// 確定済みの予約がある場合は ErrSlotHasConfirmed を返す
	Delete(ctx context.Context, id string) error

	// ArchiveElapsed は時間枠が経過したスロットをアーカイブし、件数を返す
	ArchiveElapsed(ctx context.Context, now time.Time) (int, error)
}
