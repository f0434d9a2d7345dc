package hold

import "errors"

// Hold ドメインのエラー定義
var (
	ErrHoldNotFound                = errors.New("ホールドが見つかりません")
	ErrHoldNoLongerValid           = errors.New("ホールドは有効ではありません")
	ErrHoldStateConflict           = errors.New("ホールドの状態遷移が競合しました")
	ErrInvalidUnits                = errors.New("確保数は1以上である必要があります")
	ErrInvalidHoldDuration         = errors.New("ホールド期間が許容範囲外です")
	ErrSlotIDRequired              = errors.New("スロットIDは必須です")
	ErrIdempotencyKeyRequired      = errors.New("冪等性キーは必須です")
	ErrIdempotencyKeyAlreadyExists = errors.New("同じ冪等性キーのホールドが既に存在します")
)
