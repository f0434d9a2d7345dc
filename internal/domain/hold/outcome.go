package hold

// 記録対象となるエラーコード
const (
	OutcomeCodeCapacityExceeded = "capacity_exceeded"
)

// Outcome は冪等性キーに対する初回 Reserve の確定結果を表す
// ホールドIDか恒久的なエラーコードのどちらか一方を持つ
// 一時的な失敗（競合超過・ストア障害）は記録しない
type Outcome struct {
	HoldID    string `json:"hold_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Succeeded はホールドが作成された結果かを返す
func (o *Outcome) Succeeded() bool {
	return o.HoldID != ""
}
