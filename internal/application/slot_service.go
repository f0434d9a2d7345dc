package application

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/slot"
	redisinfra "github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/infrastructure/redis"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/pkg/logger"
)

const defaultAvailabilityCacheTTL = 5 * time.Second

// SlotService はスロットのライフサイクル操作を提供する
// 容量カウンタの変更はReservationEngineだけが行い、このサービスは扱わない
type SlotService struct {
	slotRepo slot.Repository
	cache    *redisinfra.AvailabilityCache
	cacheTTL time.Duration
}

// NewSlotService は新しいSlotServiceを作成する
func NewSlotService(slotRepo slot.Repository, cache *redisinfra.AvailabilityCache, cacheTTL time.Duration) *SlotService {
	if cacheTTL <= 0 {
		cacheTTL = defaultAvailabilityCacheTTL
	}
	return &SlotService{slotRepo: slotRepo, cache: cache, cacheTTL: cacheTTL}
}

// CreateSlotInput はスロット作成の入力
type CreateSlotInput struct {
	Name          string
	StartAt       time.Time
	EndAt         time.Time
	TotalCapacity int
}

// CreateSlot は新しいスロットを作成する
func (s *SlotService) CreateSlot(ctx context.Context, input CreateSlotInput) (*slot.Slot, error) {
	sl := slot.NewSlot(input.Name, input.StartAt, input.EndAt, input.TotalCapacity)
	if err := sl.Validate(); err != nil {
		return nil, err
	}
	if err := s.slotRepo.Create(ctx, sl); err != nil {
		return nil, err
	}
	return sl, nil
}

// GetSlot はスロットを取得する
func (s *SlotService) GetSlot(ctx context.Context, id string) (*slot.Slot, error) {
	return s.slotRepo.GetByID(ctx, id)
}

// ListSlots はスロット一覧を取得する
func (s *SlotService) ListSlots(ctx context.Context, limit, offset int) ([]*slot.Slot, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.slotRepo.List(ctx, limit, offset)
}

// GetAvailability はスロットの残り容量を返す（短TTLのキャッシュ付き）
func (s *SlotService) GetAvailability(ctx context.Context, id string) (int, error) {
	if s.cache != nil {
		available, err := s.cache.Get(ctx, id)
		if err == nil {
			logger.Debug("キャッシュヒット", zap.String("slot_id", id), zap.Int("available", available))
			return available, nil
		}
		if !errors.Is(err, redisinfra.ErrCacheMiss) {
			logger.Warn("キャッシュ取得エラー", zap.Error(err))
		}
	}

	sl, err := s.slotRepo.GetByID(ctx, id)
	if err != nil {
		return 0, err
	}
	available := sl.Available()

	if s.cache != nil {
		if cacheErr := s.cache.Set(ctx, id, available, s.cacheTTL); cacheErr != nil {
			logger.Warn("キャッシュ保存エラー", zap.Error(cacheErr))
		}
	}

	return available, nil
}

// DeleteSlot はスロットを削除する
// 確定済みの予約があるスロットは削除できない
func (s *SlotService) DeleteSlot(ctx context.Context, id string) error {
	if err := s.slotRepo.Delete(ctx, id); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, id); err != nil {
			logger.Warn("キャッシュ無効化エラー", zap.Error(err))
		}
	}
	return nil
}

// ArchiveElapsedSlots は時間枠が完全に経過したスロットをアーカイブする
func (s *SlotService) ArchiveElapsedSlots(ctx context.Context) (int, error) {
	return s.slotRepo.ArchiveElapsed(ctx, time.Now())
}
