package hold

import "time"

// State はホールドの状態を表す
type State string

const (
	StateActive    State = "active"
	StateConfirmed State = "confirmed"
	StateReleased  State = "released"
	StateExpired   State = "expired"
)

// Hold はスロット容量に対する一時的な確保を表す
// Active の間だけ units がスロットの held_count に計上される
type Hold struct {
	ID             string
	SlotID         string
	Units          int
	IdempotencyKey string
	State          State
	ExpiresAt      time.Time
	ConfirmedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewHold は新しいホールドを作成する
func NewHold(slotID, idempotencyKey string, units int, duration time.Duration) *Hold {
	now := time.Now()
	return &Hold{
		SlotID:         slotID,
		Units:          units,
		IdempotencyKey: idempotencyKey,
		State:          StateActive,
		ExpiresAt:      now.Add(duration),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Validate はホールドの検証を行う
func (h *Hold) Validate() error {
	if h.SlotID == "" {
		return ErrSlotIDRequired
	}
	if h.Units < 1 {
		return ErrInvalidUnits
	}
	if h.IdempotencyKey == "" {
		return ErrIdempotencyKeyRequired
	}
	return nil
}

// IsActive はホールドがアクティブかを返す
func (h *Hold) IsActive() bool {
	return h.State == StateActive
}

// IsTerminal はホールドが終端状態（不変）かを返す
func (h *Hold) IsTerminal() bool {
	return h.State != StateActive
}

// IsExpired は有効期限が経過しているかを返す
func (h *Hold) IsExpired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// Confirm はホールドを確定状態にする
func (h *Hold) Confirm(now time.Time) error {
	if h.State != StateActive {
		return ErrHoldNoLongerValid
	}
	if h.IsExpired(now) {
		return ErrHoldNoLongerValid
	}
	h.State = StateConfirmed
	h.ConfirmedAt = &now
	h.UpdatedAt = now
	return nil
}

// Release はホールドを解放状態にする
func (h *Hold) Release(now time.Time) error {
	if h.State != StateActive {
		return ErrHoldNoLongerValid
	}
	h.State = StateReleased
	h.UpdatedAt = now
	return nil
}

// Expire はホールドを期限切れ状態にする
func (h *Hold) Expire(now time.Time) error {
	if h.State != StateActive {
		return ErrHoldNoLongerValid
	}
	h.State = StateExpired
	h.UpdatedAt = now
	return nil
}
