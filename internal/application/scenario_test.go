package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/config"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/hold"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/slot"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/transaction"
	redisinfra "github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/infrastructure/redis"
)

// === In-memory fakes ===
// 条件付き書き込みの意味論（バージョン照合・状態照合）をインメモリで再現し、
// 並行シナリオを外部ストアなしで検証する

type fakeStore struct {
	mu         sync.Mutex
	slots      map[string]slot.Slot
	holds      map[string]hold.Hold
	holdsByKey map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		slots:      make(map[string]slot.Slot),
		holds:      make(map[string]hold.Hold),
		holdsByKey: make(map[string]string),
	}
}

func (s *fakeStore) putSlot(sl *slot.Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[sl.ID] = *sl
}

func (s *fakeStore) slotSnapshot(id string) slot.Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[id]
}

func (s *fakeStore) holdSnapshot(id string) hold.Hold {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holds[id]
}

// stagedOp は検証と適用を分けたトランザクション内操作
// コミット時にストアのロック下で全検証を通してから適用する
type stagedOp struct {
	check func() error
	apply func()
}

type fakeTx struct {
	store *fakeStore
	ops   []stagedOp
}

func (t *fakeTx) Commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, op := range t.ops {
		if err := op.check(); err != nil {
			return err
		}
	}
	for _, op := range t.ops {
		op.apply()
	}
	return nil
}

func (t *fakeTx) Rollback() error {
	t.ops = nil
	return nil
}

type fakeTxManager struct {
	store *fakeStore
}

func (m *fakeTxManager) Begin(ctx context.Context) (transaction.Tx, error) {
	return &fakeTx{store: m.store}, nil
}

type fakeSlotRepo struct {
	store *fakeStore
}

func (r *fakeSlotRepo) Create(ctx context.Context, sl *slot.Slot) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if sl.ID == "" {
		sl.ID = fmt.Sprintf("slot-%d", len(r.store.slots)+1)
	}
	r.store.slots[sl.ID] = *sl
	return nil
}

func (r *fakeSlotRepo) GetByID(ctx context.Context, id string) (*slot.Slot, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	sl, ok := r.store.slots[id]
	if !ok {
		return nil, slot.ErrSlotNotFound
	}
	copied := sl
	return &copied, nil
}

func (r *fakeSlotRepo) List(ctx context.Context, limit, offset int) ([]*slot.Slot, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var result []*slot.Slot
	for _, sl := range r.store.slots {
		copied := sl
		result = append(result, &copied)
	}
	return result, nil
}

func (r *fakeSlotRepo) UpdateCounts(ctx context.Context, tx transaction.Tx, sl *slot.Slot) error {
	ftx := tx.(*fakeTx)
	snapshot := *sl
	ftx.ops = append(ftx.ops, stagedOp{
		check: func() error {
			cur, ok := r.store.slots[snapshot.ID]
			if !ok {
				return slot.ErrSlotNotFound
			}
			if cur.Version != snapshot.Version {
				return slot.ErrVersionConflict
			}
			return nil
		},
		apply: func() {
			snapshot.Version++
			r.store.slots[snapshot.ID] = snapshot
		},
	})
	return nil
}

func (r *fakeSlotRepo) Delete(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	sl, ok := r.store.slots[id]
	if !ok {
		return slot.ErrSlotNotFound
	}
	if sl.ConfirmedCount > 0 {
		return slot.ErrSlotHasConfirmed
	}
	delete(r.store.slots, id)
	return nil
}

func (r *fakeSlotRepo) ArchiveElapsed(ctx context.Context, now time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	count := 0
	for id, sl := range r.store.slots {
		if !sl.Archived && now.After(sl.EndAt) {
			sl.Archived = true
			sl.Version++
			r.store.slots[id] = sl
			count++
		}
	}
	return count, nil
}

type fakeHoldRepo struct {
	store *fakeStore
}

func (r *fakeHoldRepo) Create(ctx context.Context, tx transaction.Tx, h *hold.Hold) error {
	ftx := tx.(*fakeTx)
	snapshot := *h
	ftx.ops = append(ftx.ops, stagedOp{
		check: func() error {
			if _, exists := r.store.holdsByKey[snapshot.IdempotencyKey]; exists {
				return hold.ErrIdempotencyKeyAlreadyExists
			}
			return nil
		},
		apply: func() {
			r.store.holds[snapshot.ID] = snapshot
			r.store.holdsByKey[snapshot.IdempotencyKey] = snapshot.ID
		},
	})
	return nil
}

func (r *fakeHoldRepo) GetByID(ctx context.Context, id string) (*hold.Hold, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	h, ok := r.store.holds[id]
	if !ok {
		return nil, hold.ErrHoldNotFound
	}
	copied := h
	return &copied, nil
}

func (r *fakeHoldRepo) GetByIdempotencyKey(ctx context.Context, key string) (*hold.Hold, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	id, ok := r.store.holdsByKey[key]
	if !ok {
		return nil, hold.ErrHoldNotFound
	}
	copied := r.store.holds[id]
	return &copied, nil
}

func (r *fakeHoldRepo) Transition(ctx context.Context, tx transaction.Tx, id string, from, to hold.State, now time.Time) error {
	ftx := tx.(*fakeTx)
	ftx.ops = append(ftx.ops, stagedOp{
		check: func() error {
			h, ok := r.store.holds[id]
			if !ok {
				return hold.ErrHoldNotFound
			}
			if h.State != from {
				return hold.ErrHoldStateConflict
			}
			return nil
		},
		apply: func() {
			h := r.store.holds[id]
			h.State = to
			h.UpdatedAt = now
			if to == hold.StateConfirmed {
				h.ConfirmedAt = &now
			}
			r.store.holds[id] = h
		},
	})
	return nil
}

func (r *fakeHoldRepo) UpdateExpiry(ctx context.Context, id string, expiresAt, now time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	h, ok := r.store.holds[id]
	if !ok {
		return hold.ErrHoldNotFound
	}
	if h.State != hold.StateActive {
		return hold.ErrHoldStateConflict
	}
	h.ExpiresAt = expiresAt
	h.UpdatedAt = now
	r.store.holds[id] = h
	return nil
}

func (r *fakeHoldRepo) ListActive(ctx context.Context) ([]*hold.Hold, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var result []*hold.Hold
	for _, h := range r.store.holds {
		if h.State == hold.StateActive {
			copied := h
			result = append(result, &copied)
		}
	}
	return result, nil
}

// fakeGuard はSETNXによるキー確保の意味論をインメモリで再現する
type fakeGuard struct {
	mu       sync.Mutex
	outcomes map[string]*hold.Outcome
	claims   map[string]string
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{
		outcomes: make(map[string]*hold.Outcome),
		claims:   make(map[string]string),
	}
}

func (g *fakeGuard) Lookup(ctx context.Context, key string) (*hold.Outcome, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.outcomes[key]; ok {
		copied := *o
		return &copied, true, nil
	}
	if _, ok := g.claims[key]; ok {
		return nil, false, redisinfra.ErrOutcomePending
	}
	return nil, false, nil
}

func (g *fakeGuard) Claim(ctx context.Context, key string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.outcomes[key]; ok {
		return "", false, nil
	}
	if _, ok := g.claims[key]; ok {
		return "", false, nil
	}
	token := fmt.Sprintf("token-%s-%d", key, time.Now().UnixNano())
	g.claims[key] = token
	return token, true, nil
}

func (g *fakeGuard) Record(ctx context.Context, key string, outcome *hold.Outcome) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	copied := *outcome
	g.outcomes[key] = &copied
	delete(g.claims, key)
	return nil
}

func (g *fakeGuard) ReleaseClaim(ctx context.Context, key, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.claims[key] != token {
		return redisinfra.ErrClaimNotOwned
	}
	delete(g.claims, key)
	return nil
}

func (g *fakeGuard) AwaitOutcome(ctx context.Context, key string, timeout, pollInterval time.Duration) (*hold.Outcome, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		outcome, found, err := g.Lookup(ctx, key)
		if err == nil {
			return outcome, found, nil
		}
		if !errors.Is(err, redisinfra.ErrOutcomePending) {
			return nil, false, err
		}
		if time.Now().After(deadline) {
			return nil, false, redisinfra.ErrOutcomePending
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func setupScenario(t *testing.T, capacity int) (*ReservationEngine, *fakeStore, string) {
	t.Helper()
	store := newFakeStore()
	sl := slot.NewSlot("並行テストスロット", time.Now().Add(time.Hour), time.Now().Add(3*time.Hour), capacity)
	sl.ID = "slot-1"
	store.putSlot(sl)

	cfg := config.ReservationConfig{
		HoldDurationMin:     time.Millisecond,
		HoldDurationMax:     30 * time.Minute,
		HoldDurationDefault: 15 * time.Minute,
		// 激しい競合でも再試行上限で諦めないよう余裕を持たせる
		CASMaxRetries:  50,
		CASBackoffBase: time.Millisecond,
	}
	engine := NewReservationEngine(
		&fakeTxManager{store: store},
		&fakeSlotRepo{store: store},
		&fakeHoldRepo{store: store},
		newFakeGuard(),
		nil,
		cfg,
	)
	return engine, store, sl.ID
}

// === Scenarios ===

func TestScenario_NoOversellUnderConcurrency(t *testing.T) {
	engine, store, slotID := setupScenario(t, 3)
	ctx := context.Background()

	const numGoroutines = 10
	var successCount, capacityCount int32
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := engine.Reserve(ctx, ReserveInput{
				SlotID:         slotID,
				Units:          1,
				IdempotencyKey: fmt.Sprintf("order-%d", n),
			})
			switch {
			case err == nil:
				atomic.AddInt32(&successCount, 1)
			case errors.Is(err, slot.ErrCapacityExceeded):
				atomic.AddInt32(&capacityCount, 1)
			default:
				t.Errorf("予期しないエラー: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), successCount, "容量分だけ成功する")
	assert.Equal(t, int32(numGoroutines-3), capacityCount, "残りは容量超過で拒否される")

	sl := store.slotSnapshot(slotID)
	assert.Equal(t, 3, sl.HeldCount)
	assert.LessOrEqual(t, sl.HeldCount+sl.ConfirmedCount, sl.TotalCapacity, "売り越しは発生しない")
}

func TestScenario_IdempotentReserve(t *testing.T) {
	engine, store, slotID := setupScenario(t, 5)
	ctx := context.Background()

	input := ReserveInput{SlotID: slotID, Units: 2, IdempotencyKey: "order-retry"}

	first, err := engine.Reserve(ctx, input)
	require.NoError(t, err)

	// 応答欠落を想定した再送
	second, err := engine.Reserve(ctx, input)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "同じホールドが返る")
	sl := store.slotSnapshot(slotID)
	assert.Equal(t, 2, sl.HeldCount, "容量は1回しか消費されない")
}

func TestScenario_ConcurrentSameIdempotencyKey(t *testing.T) {
	engine, store, slotID := setupScenario(t, 5)
	ctx := context.Background()

	const numGoroutines = 5
	ids := make([]string, numGoroutines)
	errs := make([]error, numGoroutines)
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			h, err := engine.Reserve(ctx, ReserveInput{
				SlotID:         slotID,
				Units:          1,
				IdempotencyKey: "order-shared",
			})
			if err == nil {
				ids[n] = h.ID
			}
			errs[n] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < numGoroutines; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i], "全リクエストが同じホールドを受け取る")
	}
	sl := store.slotSnapshot(slotID)
	assert.Equal(t, 1, sl.HeldCount, "容量は1回しか消費されない")
}

func TestScenario_ConfirmThenConfirmIsIdempotent(t *testing.T) {
	engine, store, slotID := setupScenario(t, 5)
	ctx := context.Background()

	h, err := engine.Reserve(ctx, ReserveInput{SlotID: slotID, Units: 2, IdempotencyKey: "order-1"})
	require.NoError(t, err)

	first, err := engine.Confirm(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, hold.StateConfirmed, first.State)

	second, err := engine.Confirm(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, hold.StateConfirmed, second.State)

	sl := store.slotSnapshot(slotID)
	assert.Equal(t, 0, sl.HeldCount)
	assert.Equal(t, 2, sl.ConfirmedCount, "確定は1回だけ精算される")
}

func TestScenario_ReleaseVersusSweeperSettlesOnce(t *testing.T) {
	engine, store, slotID := setupScenario(t, 5)
	ctx := context.Background()

	h, err := engine.Reserve(ctx, ReserveInput{
		SlotID: slotID, Units: 3, IdempotencyKey: "order-1",
		HoldDuration: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	// 期限切れを待つ
	time.Sleep(10 * time.Millisecond)

	// 明示的な解放とスイーパーの回収が競合する
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, rerr := engine.Release(ctx, h.ID)
		assert.NoError(t, rerr)
	}()
	go func() {
		defer wg.Done()
		_, serr := engine.SweepExpiredHolds(ctx)
		assert.NoError(t, serr)
	}()
	wg.Wait()

	sl := store.slotSnapshot(slotID)
	assert.Equal(t, 0, sl.HeldCount, "精算は正確に1回だけ行われる")
	assert.Equal(t, 5, sl.TotalCapacity-sl.HeldCount-sl.ConfirmedCount)

	final := store.holdSnapshot(h.ID)
	assert.Contains(t, []hold.State{hold.StateReleased, hold.StateExpired}, final.State)
}

func TestScenario_ExpiredHoldCannotBeConfirmed(t *testing.T) {
	engine, store, slotID := setupScenario(t, 2)
	ctx := context.Background()

	h, err := engine.Reserve(ctx, ReserveInput{
		SlotID: slotID, Units: 2, IdempotencyKey: "order-1",
		HoldDuration: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	swept, err := engine.SweepExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	// 回収後の確定は拒否される
	_, err = engine.Confirm(ctx, h.ID)
	assert.ErrorIs(t, err, hold.ErrHoldNoLongerValid)

	// 容量は戻っているので別の予約が成功する
	h2, err := engine.Reserve(ctx, ReserveInput{SlotID: slotID, Units: 2, IdempotencyKey: "order-2"})
	require.NoError(t, err)
	assert.Equal(t, hold.StateActive, h2.State)

	sl := store.slotSnapshot(slotID)
	assert.Equal(t, 2, sl.HeldCount)
}

func TestScenario_VersionStrictlyIncreases(t *testing.T) {
	engine, store, slotID := setupScenario(t, 10)
	ctx := context.Background()

	before := store.slotSnapshot(slotID).Version

	h, err := engine.Reserve(ctx, ReserveInput{SlotID: slotID, Units: 1, IdempotencyKey: "order-1"})
	require.NoError(t, err)
	afterReserve := store.slotSnapshot(slotID).Version
	assert.Greater(t, afterReserve, before)

	_, err = engine.Confirm(ctx, h.ID)
	require.NoError(t, err)
	afterConfirm := store.slotSnapshot(slotID).Version
	assert.Greater(t, afterConfirm, afterReserve)
}

func TestScenario_ExtendKeepsHoldAlive(t *testing.T) {
	engine, store, slotID := setupScenario(t, 5)
	ctx := context.Background()

	h, err := engine.Reserve(ctx, ReserveInput{
		SlotID: slotID, Units: 1, IdempotencyKey: "order-1",
		HoldDuration: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	// 期限前に延長する
	_, err = engine.ExtendHold(ctx, h.ID, 10*time.Minute)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	// 元の期限を過ぎてもスイーパーには回収されない
	swept, err := engine.SweepExpiredHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)

	sl := store.slotSnapshot(slotID)
	assert.Equal(t, 1, sl.HeldCount)
}

func TestScenario_CapacityExceededIsDurable(t *testing.T) {
	engine, store, slotID := setupScenario(t, 1)
	ctx := context.Background()

	_, err := engine.Reserve(ctx, ReserveInput{SlotID: slotID, Units: 1, IdempotencyKey: "order-1"})
	require.NoError(t, err)

	// 容量超過で拒否される
	_, err = engine.Reserve(ctx, ReserveInput{SlotID: slotID, Units: 1, IdempotencyKey: "order-2"})
	require.ErrorIs(t, err, slot.ErrCapacityExceeded)

	// 同じキーの再送も同じ拒否が返る（容量が空いた後でも）
	released, err := engine.Release(ctx, store.holdsByKeyID(t, "order-1"))
	require.NoError(t, err)
	assert.Equal(t, hold.StateReleased, released.State)

	_, err = engine.Reserve(ctx, ReserveInput{SlotID: slotID, Units: 1, IdempotencyKey: "order-2"})
	assert.ErrorIs(t, err, slot.ErrCapacityExceeded, "記録済みの拒否は恒久的")

	// 新しいキーなら成功する
	_, err = engine.Reserve(ctx, ReserveInput{SlotID: slotID, Units: 1, IdempotencyKey: "order-3"})
	assert.NoError(t, err)
}

func (s *fakeStore) holdsByKeyID(t *testing.T, key string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.holdsByKey[key]
	require.True(t, ok, "ホールドが見つからない: %s", key)
	return id
}
