package handler

import (
	"context"
	"time"

	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/application"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/hold"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/slot"
)

// SlotServiceInterface はスロットサービスのインターフェース
type SlotServiceInterface interface {
	CreateSlot(ctx context.Context, input application.CreateSlotInput) (*slot.Slot, error)
	GetSlot(ctx context.Context, id string) (*slot.Slot, error)
	ListSlots(ctx context.Context, limit, offset int) ([]*slot.Slot, error)
	GetAvailability(ctx context.Context, id string) (int, error)
	DeleteSlot(ctx context.Context, id string) error
}

// ReservationEngineInterface は予約エンジンのインターフェース
type ReservationEngineInterface interface {
	Reserve(ctx context.Context, input application.ReserveInput) (*hold.Hold, error)
	GetHold(ctx context.Context, holdID string) (*hold.Hold, error)
	Confirm(ctx context.Context, holdID string) (*hold.Hold, error)
	Release(ctx context.Context, holdID string) (*hold.Hold, error)
	ExtendHold(ctx context.Context, holdID string, duration time.Duration) (*hold.Hold, error)
}
