package worker

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/pkg/logger"
)

// SlotArchiverService は経過済みスロットをアーカイブするインターフェース
type SlotArchiverService interface {
	ArchiveElapsedSlots(ctx context.Context) (int, error)
}

// SlotArchiver は時間枠が経過したスロットを定期的にアーカイブするジョブ
type SlotArchiver struct {
	service  SlotArchiverService
	schedule string
	cron     *cron.Cron
}

// NewSlotArchiver は新しいアーカイバを作成
func NewSlotArchiver(service SlotArchiverService, schedule string) *SlotArchiver {
	return &SlotArchiver{
		service:  service,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start はアーカイブジョブをスケジュールに登録して開始する
func (a *SlotArchiver) Start() error {
	if _, err := a.cron.AddFunc(a.schedule, a.run); err != nil {
		return err
	}
	a.cron.Start()
	logger.Info("スロットアーカイバ開始", zap.String("schedule", a.schedule))
	return nil
}

// Stop は実行中のジョブの完了を待って停止する
func (a *SlotArchiver) Stop() {
	ctx := a.cron.Stop()
	<-ctx.Done()
	logger.Info("スロットアーカイバ停止")
}

// run は1回分のアーカイブを実行
func (a *SlotArchiver) run() {
	count, err := a.service.ArchiveElapsedSlots(context.Background())
	if err != nil {
		logger.Error("スロットアーカイブ失敗", zap.Error(err))
		return
	}
	if count > 0 {
		logger.Info("経過済みスロットをアーカイブ", zap.Int("count", count))
	} else {
		logger.Debug("アーカイブ対象スロットなし")
	}
}
