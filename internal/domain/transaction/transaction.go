package transaction

import "context"

// Tx は進行中のトランザクションを表す
// ホールド作成とスロットカウンタ更新を同一トランザクションで
// コミットするために、ドメイン層からインフラ実装を隠蔽する
type Tx interface {
	Commit() error
	Rollback() error
}

// Manager はトランザクションの開始を担う
type Manager interface {
	Begin(ctx context.Context) (Tx, error)
}
