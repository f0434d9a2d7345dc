package application

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/config"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/hold"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/slot"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/transaction"
	redisinfra "github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/infrastructure/redis"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/pkg/logger"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/pkg/metrics"
)

// IdempotencyGuard は冪等性レコードストアのインターフェース
// 同じ冪等性キーの再送リクエストに初回の結果を返すために使用する
type IdempotencyGuard interface {
	Lookup(ctx context.Context, key string) (*hold.Outcome, bool, error)
	Claim(ctx context.Context, key string) (token string, claimed bool, err error)
	Record(ctx context.Context, key string, outcome *hold.Outcome) error
	ReleaseClaim(ctx context.Context, key, token string) error
	AwaitOutcome(ctx context.Context, key string, timeout, pollInterval time.Duration) (*hold.Outcome, bool, error)
}

// 確保に負けた側が勝者の結果を待つ時間
const (
	outcomeWaitTimeout = 5 * time.Second
	outcomePollDelay   = 50 * time.Millisecond
)

// ReservationEngine はスロット容量に対するホールドの作成・確定・解放を行う
// スロット行はバージョン付き条件書き込み（CAS）だけで更新し、
// 決済などの外部処理をまたぐロックは一切保持しない
type ReservationEngine struct {
	txManager transaction.Manager
	slotRepo  slot.Repository
	holdRepo  hold.Repository
	guard     IdempotencyGuard
	cache     *redisinfra.AvailabilityCache
	index     *HoldIndex
	cfg       config.ReservationConfig
}

// NewReservationEngine は新しいReservationEngineを作成する
func NewReservationEngine(
	txManager transaction.Manager,
	slotRepo slot.Repository,
	holdRepo hold.Repository,
	guard IdempotencyGuard,
	cache *redisinfra.AvailabilityCache,
	cfg config.ReservationConfig,
) *ReservationEngine {
	return &ReservationEngine{
		txManager: txManager,
		slotRepo:  slotRepo,
		holdRepo:  holdRepo,
		guard:     guard,
		cache:     cache,
		index:     NewHoldIndex(),
		cfg:       cfg,
	}
}

// ReserveInput はReserveの入力
type ReserveInput struct {
	SlotID         string
	Units          int
	IdempotencyKey string
	// HoldDuration が0の場合は設定のデフォルト値を使用
	HoldDuration time.Duration
}

// Reserve はスロット容量を期限付きで確保する
// 同じ冪等性キーの再送には初回の結果をそのまま返し、容量は1回しか消費しない
func (e *ReservationEngine) Reserve(ctx context.Context, input ReserveInput) (*hold.Hold, error) {
	if input.Units < 1 {
		return nil, hold.ErrInvalidUnits
	}
	if input.IdempotencyKey == "" {
		return nil, hold.ErrIdempotencyKeyRequired
	}
	duration := input.HoldDuration
	if duration == 0 {
		duration = e.cfg.HoldDurationDefault
	}
	if duration < e.cfg.HoldDurationMin || duration > e.cfg.HoldDurationMax {
		return nil, hold.ErrInvalidHoldDuration
	}

	// 記録済みの結果があればそのまま返す（再送の重複排除）
	outcome, found, err := e.guard.Lookup(ctx, input.IdempotencyKey)
	if err != nil && !errors.Is(err, redisinfra.ErrOutcomePending) {
		return nil, err
	}
	if found {
		e.countIdempotency("hit")
		return e.resolveOutcome(ctx, outcome)
	}
	if errors.Is(err, redisinfra.ErrOutcomePending) {
		return e.awaitWinner(ctx, input.IdempotencyKey)
	}
	e.countIdempotency("miss")

	// キーを確保する。負けた側は勝者の結果を待って読む
	token, claimed, err := e.guard.Claim(ctx, input.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return e.awaitWinner(ctx, input.IdempotencyKey)
	}

	h, created, err := e.reserveWithCAS(ctx, input, duration)
	if err != nil {
		if errors.Is(err, slot.ErrCapacityExceeded) {
			// 正当な業務上の拒否は恒久的な結果として記録する
			e.recordOutcome(ctx, input.IdempotencyKey, &hold.Outcome{ErrorCode: hold.OutcomeCodeCapacityExceeded})
		} else {
			// 一時的な失敗は記録せず、同じキーでの再試行を許す
			e.releaseClaim(ctx, input.IdempotencyKey, token)
		}
		return nil, err
	}

	e.recordOutcome(ctx, input.IdempotencyKey, &hold.Outcome{HoldID: h.ID})
	if created {
		// ユニーク制約経由で既存ホールドを返した場合は容量を消費していないため
		// インデックス登録やゲージ加算は新規作成時だけ行う
		e.index.Add(h.ID, h.ExpiresAt)
		e.invalidateCache(ctx, h.SlotID)
		e.observe("reserve", "success")
		e.holdGaugeAdd(1)
	}
	return h, nil
}

// reserveWithCAS は容量確認と条件書き込みを再試行上限まで繰り返す
// 戻り値の created はこの呼び出しで新規にホールドを作成したかを示す
func (e *ReservationEngine) reserveWithCAS(ctx context.Context, input ReserveInput, duration time.Duration) (*hold.Hold, bool, error) {
	for attempt := 1; attempt <= e.cfg.CASMaxRetries; attempt++ {
		s, err := e.slotRepo.GetByID(ctx, input.SlotID)
		if err != nil {
			return nil, false, err
		}
		if err := s.ApplyHold(input.Units); err != nil {
			if errors.Is(err, slot.ErrCapacityExceeded) {
				e.observe("reserve", "capacity_exceeded")
			}
			return nil, false, err
		}

		h := hold.NewHold(input.SlotID, input.IdempotencyKey, input.Units, duration)
		h.ID = uuid.New().String()
		if err := h.Validate(); err != nil {
			return nil, false, err
		}

		committed, err := e.withTx(ctx, func(tx transaction.Tx) error {
			if err := e.holdRepo.Create(ctx, tx, h); err != nil {
				return err
			}
			return e.slotRepo.UpdateCounts(ctx, tx, s)
		})
		if err != nil {
			if errors.Is(err, slot.ErrVersionConflict) {
				// 他の書き込みが先行した。読み直して最初からやり直す
				e.backoff(ctx, attempt)
				continue
			}
			if errors.Is(err, hold.ErrIdempotencyKeyAlreadyExists) {
				// ストア側のユニーク制約が最後の砦。既存ホールドを返す
				existing, rerr := e.holdRepo.GetByIdempotencyKey(ctx, input.IdempotencyKey)
				return existing, false, rerr
			}
			return nil, false, err
		}
		if committed {
			e.recordAttempts("reserve", attempt)
			return h, true, nil
		}
	}
	e.observe("reserve", "contended")
	return nil, false, slot.ErrTooContended
}

// Confirm はアクティブなホールドを確定し、容量をヘルドから確定へ移す
// 既に確定済みの場合は成功を返す（応答欠落後の再送に対応）
func (e *ReservationEngine) Confirm(ctx context.Context, holdID string) (*hold.Hold, error) {
	h, err := e.holdRepo.GetByID(ctx, holdID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	switch {
	case h.State == hold.StateConfirmed:
		return h, nil
	case h.State != hold.StateActive:
		e.observe("confirm", "invalid")
		return nil, hold.ErrHoldNoLongerValid
	case h.IsExpired(now):
		// スイーパー未回収でも期限切れは拒否する
		e.observe("confirm", "invalid")
		return nil, hold.ErrHoldNoLongerValid
	}

	settle := func(s *slot.Slot) error { return s.ConfirmHold(h.Units) }
	if err := e.settleHold(ctx, h, hold.StateConfirmed, settle, "confirm"); err != nil {
		if errors.Is(err, hold.ErrHoldStateConflict) {
			// 遷移の競合に負けた。最新状態を読み直して判定する
			latest, rerr := e.holdRepo.GetByID(ctx, holdID)
			if rerr != nil {
				return nil, rerr
			}
			if latest.State == hold.StateConfirmed {
				return latest, nil
			}
			return nil, hold.ErrHoldNoLongerValid
		}
		return nil, err
	}

	e.index.Remove(h.ID)
	e.invalidateCache(ctx, h.SlotID)
	e.observe("confirm", "success")
	e.holdGaugeAdd(-1)
	h.State = hold.StateConfirmed
	h.ConfirmedAt = &now
	h.UpdatedAt = now
	return h, nil
}

// Release はホールドを解放して容量をプールへ戻す
// 終端状態のホールドに対しては何もせず成功を返す
func (e *ReservationEngine) Release(ctx context.Context, holdID string) (*hold.Hold, error) {
	h, err := e.holdRepo.GetByID(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if h.IsTerminal() {
		// 容量は既に精算済み
		return h, nil
	}

	settle := func(s *slot.Slot) error { return s.ReleaseHold(h.Units) }
	if err := e.settleHold(ctx, h, hold.StateReleased, settle, "release"); err != nil {
		if errors.Is(err, hold.ErrHoldStateConflict) {
			// Confirm かスイーパーが先に精算した。冪等に成功を返す
			return e.holdRepo.GetByID(ctx, holdID)
		}
		return nil, err
	}

	e.index.Remove(h.ID)
	e.invalidateCache(ctx, h.SlotID)
	e.observe("release", "success")
	e.holdGaugeAdd(-1)
	now := time.Now()
	h.State = hold.StateReleased
	h.UpdatedAt = now
	return h, nil
}

// ExtendHold はアクティブなホールドの有効期限を延長する
func (e *ReservationEngine) ExtendHold(ctx context.Context, holdID string, duration time.Duration) (*hold.Hold, error) {
	if duration == 0 {
		duration = e.cfg.HoldDurationDefault
	}
	if duration < e.cfg.HoldDurationMin || duration > e.cfg.HoldDurationMax {
		return nil, hold.ErrInvalidHoldDuration
	}
	h, err := e.holdRepo.GetByID(ctx, holdID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !h.IsActive() || h.IsExpired(now) {
		e.observe("extend", "invalid")
		return nil, hold.ErrHoldNoLongerValid
	}

	newExpiry := now.Add(duration)
	if err := e.holdRepo.UpdateExpiry(ctx, h.ID, newExpiry, now); err != nil {
		if errors.Is(err, hold.ErrHoldStateConflict) {
			return nil, hold.ErrHoldNoLongerValid
		}
		return nil, err
	}

	e.index.Add(h.ID, newExpiry)
	e.observe("extend", "success")
	h.ExpiresAt = newExpiry
	h.UpdatedAt = now
	return h, nil
}

// GetHold はホールドを取得する
func (e *ReservationEngine) GetHold(ctx context.Context, holdID string) (*hold.Hold, error) {
	return e.holdRepo.GetByID(ctx, holdID)
}

// SweepExpiredHolds は期限切れのアクティブホールドを回収して容量を戻す
// スイーパーから定期的に呼ばれる。個別の失敗は記録して次回に持ち越す
func (e *ReservationEngine) SweepExpiredHolds(ctx context.Context) (int, error) {
	now := time.Now()
	count := 0
	for _, holdID := range e.index.PopExpired(now) {
		if err := e.expireHold(ctx, holdID); err != nil {
			if errors.Is(err, hold.ErrHoldStateConflict) || errors.Is(err, hold.ErrHoldNotFound) {
				// Confirm / Release が先に精算済みか、延長されていた。回収不要
				continue
			}
			// 一時的な失敗。期限は既に過ぎているので、ポップ済みのIDを
			// そのまま戻して次回のティックで必ず再試行する
			logger.Warn("ホールド回収に失敗", zap.String("hold_id", holdID), zap.Error(err))
			e.index.Add(holdID, now)
			continue
		}
		count++
	}
	if m := metrics.Get(); m != nil && count > 0 {
		m.SweptHoldsTotal.Add(float64(count))
	}
	return count, nil
}

// expireHold は1つのホールドを期限切れとして精算する
func (e *ReservationEngine) expireHold(ctx context.Context, holdID string) error {
	h, err := e.holdRepo.GetByID(ctx, holdID)
	if err != nil {
		return err
	}
	if !h.IsActive() {
		return hold.ErrHoldStateConflict
	}
	if !h.IsExpired(time.Now()) {
		// ポップ後に ExtendHold が先行した。新しい期限でインデックスに戻す
		e.index.Add(h.ID, h.ExpiresAt)
		return hold.ErrHoldStateConflict
	}
	settle := func(s *slot.Slot) error { return s.ReleaseHold(h.Units) }
	if err := e.settleHold(ctx, h, hold.StateExpired, settle, "expire"); err != nil {
		return err
	}
	e.invalidateCache(ctx, h.SlotID)
	e.holdGaugeAdd(-1)
	return nil
}

// RebuildIndex はストアのアクティブホールドから期限インデックスを再構築する
// インデックスは再構築可能なキャッシュであり、正本はストア側にある
func (e *ReservationEngine) RebuildIndex(ctx context.Context) error {
	holds, err := e.holdRepo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("期限インデックス再構築に失敗: %w", err)
	}
	e.index.Reset()
	for _, h := range holds {
		e.index.Add(h.ID, h.ExpiresAt)
	}
	if m := metrics.Get(); m != nil {
		m.ActiveHolds.Set(float64(len(holds)))
	}
	logger.Info("期限インデックスを再構築", zap.Int("active_holds", len(holds)))
	return nil
}

// ActiveHoldCount はインデックスに登録中のホールド数を返す
func (e *ReservationEngine) ActiveHoldCount() int {
	return e.index.Len()
}

// settleHold はホールドの状態遷移とスロットカウンタ更新を
// 同一トランザクション内のCASで行う共通処理
// ホールド側の条件付き遷移が勝者を1つに定めるため、
// 1つのホールドの容量精算は正確に1回だけ行われる
func (e *ReservationEngine) settleHold(ctx context.Context, h *hold.Hold, to hold.State, settle func(*slot.Slot) error, operation string) error {
	now := time.Now()
	for attempt := 1; attempt <= e.cfg.CASMaxRetries; attempt++ {
		s, err := e.slotRepo.GetByID(ctx, h.SlotID)
		if err != nil {
			return err
		}
		if err := settle(s); err != nil {
			return err
		}

		committed, err := e.withTx(ctx, func(tx transaction.Tx) error {
			if err := e.holdRepo.Transition(ctx, tx, h.ID, hold.StateActive, to, now); err != nil {
				return err
			}
			return e.slotRepo.UpdateCounts(ctx, tx, s)
		})
		if err != nil {
			if errors.Is(err, slot.ErrVersionConflict) {
				e.backoff(ctx, attempt)
				continue
			}
			return err
		}
		if committed {
			e.recordAttempts(operation, attempt)
			return nil
		}
	}
	e.observe(operation, "contended")
	return slot.ErrTooContended
}

// withTx はトランザクション内で fn を実行する
// fn がエラーを返した場合はロールバックし、そのエラーを返す
func (e *ReservationEngine) withTx(ctx context.Context, fn func(tx transaction.Tx) error) (bool, error) {
	tx, err := e.txManager.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("コミットに失敗: %w", err)
	}
	return true, nil
}

// backoff はジッター付きで待機する（ホットスポット集中の緩和）
func (e *ReservationEngine) backoff(ctx context.Context, attempt int) {
	base := e.cfg.CASBackoffBase * time.Duration(attempt)
	if base <= 0 {
		return
	}
	jitter := time.Duration(rand.Int63n(int64(base)))
	select {
	case <-ctx.Done():
	case <-time.After(base + jitter):
	}
}

// awaitWinner は同じキーを確保した別リクエストの結果を待って返す
func (e *ReservationEngine) awaitWinner(ctx context.Context, key string) (*hold.Hold, error) {
	e.countIdempotency("wait")
	outcome, found, err := e.guard.AwaitOutcome(ctx, key, outcomeWaitTimeout, outcomePollDelay)
	if err != nil && !errors.Is(err, redisinfra.ErrOutcomePending) {
		return nil, err
	}
	if found {
		return e.resolveOutcome(ctx, outcome)
	}
	// 勝者が時間内に記録しなかった。ストア側を直接確認してから諦める
	if h, rerr := e.holdRepo.GetByIdempotencyKey(ctx, key); rerr == nil {
		return h, nil
	}
	return nil, slot.ErrTooContended
}

// resolveOutcome は記録済みの結果をホールドまたはエラーに変換する
func (e *ReservationEngine) resolveOutcome(ctx context.Context, outcome *hold.Outcome) (*hold.Hold, error) {
	if outcome.Succeeded() {
		return e.holdRepo.GetByID(ctx, outcome.HoldID)
	}
	if outcome.ErrorCode == hold.OutcomeCodeCapacityExceeded {
		return nil, slot.ErrCapacityExceeded
	}
	return nil, slot.ErrTooContended
}

func (e *ReservationEngine) recordOutcome(ctx context.Context, key string, outcome *hold.Outcome) {
	if err := e.guard.Record(ctx, key, outcome); err != nil {
		// 記録失敗時はストア側のユニーク制約が重複を防ぐ
		logger.Warn("冪等性レコード保存に失敗", zap.String("key", key), zap.Error(err))
	}
}

func (e *ReservationEngine) releaseClaim(ctx context.Context, key, token string) {
	if err := e.guard.ReleaseClaim(ctx, key, token); err != nil && !errors.Is(err, redisinfra.ErrClaimNotOwned) {
		logger.Warn("処理中マーカー削除に失敗", zap.String("key", key), zap.Error(err))
	}
}

func (e *ReservationEngine) invalidateCache(ctx context.Context, slotID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, slotID); err != nil {
		logger.Warn("キャッシュ無効化エラー", zap.Error(err))
	}
}

func (e *ReservationEngine) observe(operation, status string) {
	if m := metrics.Get(); m != nil {
		m.ReservationsTotal.WithLabelValues(operation, status).Inc()
	}
}

func (e *ReservationEngine) recordAttempts(operation string, attempts int) {
	if m := metrics.Get(); m != nil {
		m.CASAttempts.WithLabelValues(operation).Observe(float64(attempts))
	}
}

func (e *ReservationEngine) holdGaugeAdd(delta float64) {
	if m := metrics.Get(); m != nil {
		m.ActiveHolds.Add(delta)
	}
}

func (e *ReservationEngine) countIdempotency(result string) {
	if m := metrics.Get(); m != nil {
		m.IdempotencyLookups.WithLabelValues(result).Inc()
	}
}
