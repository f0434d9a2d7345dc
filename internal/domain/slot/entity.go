package slot

import "time"

// Slot は予約可能な時間枠エンティティを表す
// held_count + confirmed_count <= total_capacity を常に満たす
type Slot struct {
	ID             string
	Name           string
	StartAt        time.Time
	EndAt          time.Time
	TotalCapacity  int
	HeldCount      int
	ConfirmedCount int
	Archived       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int // 楽観的ロック用
}

// NewSlot は新しいスロットを作成する
func NewSlot(name string, startAt, endAt time.Time, totalCapacity int) *Slot {
	now := time.Now()
	return &Slot{
		Name:          name,
		StartAt:       startAt,
		EndAt:         endAt,
		TotalCapacity: totalCapacity,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       0,
	}
}

// Validate はスロットの検証を行う
func (s *Slot) Validate() error {
	if s.Name == "" {
		return ErrSlotNameRequired
	}
	if s.TotalCapacity < 0 {
		return ErrInvalidCapacity
	}
	if s.EndAt.Before(s.StartAt) {
		return ErrInvalidSlotTime
	}
	return nil
}

// Available は現時点の残り容量を返す
func (s *Slot) Available() int {
	return s.TotalCapacity - s.HeldCount - s.ConfirmedCount
}

// ApplyHold は容量を確認してヘルド数を加算する
func (s *Slot) ApplyHold(units int) error {
	if s.Archived {
		return ErrSlotArchived
	}
	if s.HeldCount+s.ConfirmedCount+units > s.TotalCapacity {
		return ErrCapacityExceeded
	}
	s.HeldCount += units
	s.UpdatedAt = time.Now()
	return nil
}

// ConfirmHold はヘルド分を確定分へ移す
func (s *Slot) ConfirmHold(units int) error {
	if s.HeldCount < units {
		return ErrCapacityInconsistent
	}
	s.HeldCount -= units
	s.ConfirmedCount += units
	s.UpdatedAt = time.Now()
	return nil
}

// ReleaseHold はヘルド分を容量プールへ戻す
func (s *Slot) ReleaseHold(units int) error {
	if s.HeldCount < units {
		return ErrCapacityInconsistent
	}
	s.HeldCount -= units
	s.UpdatedAt = time.Now()
	return nil
}

// Elapsed はスロットの時間枠が完全に経過したかを返す
func (s *Slot) Elapsed(now time.Time) bool {
	return now.After(s.EndAt)
}
