package slot

import "errors"

// Slot ドメインのエラー定義
var (
	ErrSlotNotFound         = errors.New("スロットが見つかりません")
	ErrSlotNameRequired     = errors.New("スロット名は必須です")
	ErrInvalidCapacity      = errors.New("容量は0以上である必要があります")
	ErrInvalidSlotTime      = errors.New("終了時刻は開始時刻より後である必要があります")
	ErrCapacityExceeded     = errors.New("スロットの容量を超えています")
	ErrVersionConflict      = errors.New("楽観的ロックの競合が発生しました")
	ErrTooContended         = errors.New("競合が継続したため予約できませんでした")
	ErrSlotArchived         = errors.New("スロットはアーカイブ済みです")
	ErrSlotHasConfirmed     = errors.New("確定済みの予約があるスロットは削除できません")
	ErrCapacityInconsistent = errors.New("容量カウンタが不整合です")
)
