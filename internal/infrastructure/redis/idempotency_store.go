package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/hold"
)

var (
	// ErrOutcomePending は同じキーの初回リクエストが処理中であることを表す
	ErrOutcomePending = errors.New("冪等性キーの結果は処理中です")
	// ErrClaimNotOwned は処理中マーカーの所有者ではないことを表す
	ErrClaimNotOwned = errors.New("処理中マーカーの所有者ではありません")
)

// 処理中マーカーの値プレフィックス
// 結果レコードはJSONで保存されるため "pending:" と衝突しない
const pendingPrefix = "pending:"

// IdempotencyStore は冪等性レコードをRedisで管理する
// キーの確保は SETNX によるアトミックな insert-if-absent で行い、
// 同一キーの同時リクエストのうち1つだけが容量変更へ進む
type IdempotencyStore struct {
	client     *redis.Client
	outcomeTTL time.Duration
	claimTTL   time.Duration
}

// NewIdempotencyStore は新しいIdempotencyStoreを作成する
// outcomeTTL は最大ホールド期間より十分長くすること
func NewIdempotencyStore(client *redis.Client, outcomeTTL, claimTTL time.Duration) *IdempotencyStore {
	return &IdempotencyStore{client: client, outcomeTTL: outcomeTTL, claimTTL: claimTTL}
}

func (s *IdempotencyStore) key(k string) string {
	return fmt.Sprintf("idem:%s", k)
}

// Lookup は記録済みの結果を返す
// 処理中マーカーの場合は ErrOutcomePending を返す
func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (*hold.Outcome, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("冪等性レコード取得に失敗: %w", err)
	}
	if strings.HasPrefix(val, pendingPrefix) {
		return nil, false, ErrOutcomePending
	}
	var outcome hold.Outcome
	if err := json.Unmarshal([]byte(val), &outcome); err != nil {
		return nil, false, fmt.Errorf("冪等性レコードの解析に失敗: %w", err)
	}
	return &outcome, true, nil
}

// Claim はキーに処理中マーカーを設定する（キーが存在しない場合のみ）
// 確保できた場合は解放用のトークンを返す
func (s *IdempotencyStore) Claim(ctx context.Context, key string) (string, bool, error) {
	token := uuid.New().String()
	ok, err := s.client.SetNX(ctx, s.key(key), pendingPrefix+token, s.claimTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("冪等性キー確保に失敗: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Record は結果を記録して処理中マーカーを上書きする
func (s *IdempotencyStore) Record(ctx context.Context, key string, outcome *hold.Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("冪等性レコードの変換に失敗: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, s.outcomeTTL).Err(); err != nil {
		return fmt.Errorf("冪等性レコード保存に失敗: %w", err)
	}
	return nil
}

// ReleaseClaim は処理中マーカーを削除する（一時的な失敗時に再試行を許すため）
// Lua スクリプトで所有者確認と削除をアトミックに実行
func (s *IdempotencyStore) ReleaseClaim(ctx context.Context, key, token string) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	result, err := s.client.Eval(ctx, script, []string{s.key(key)}, pendingPrefix+token).Int()
	if err != nil {
		return fmt.Errorf("処理中マーカー削除に失敗: %w", err)
	}
	if result == 0 {
		return ErrClaimNotOwned
	}
	return nil
}

// AwaitOutcome は他のリクエストが記録する結果を待つ
// 確保に負けた側が勝者の結果を読むために使用する
func (s *IdempotencyStore) AwaitOutcome(ctx context.Context, key string, timeout, pollInterval time.Duration) (*hold.Outcome, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		outcome, found, err := s.Lookup(ctx, key)
		if err == nil {
			return outcome, found, nil
		}
		if !errors.Is(err, ErrOutcomePending) {
			return nil, false, err
		}
		if time.Now().After(deadline) {
			return nil, false, ErrOutcomePending
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
