package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/application"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/hold"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/slot"
)

type HoldHandler struct {
	engine ReservationEngineInterface
}

func NewHoldHandler(e ReservationEngineInterface) *HoldHandler {
	return &HoldHandler{engine: e}
}

type ReserveRequest struct {
	SlotID         string `json:"slot_id" validate:"required,uuid"`
	Units          int    `json:"units" validate:"required,gte=1" example:"2"`
	IdempotencyKey string `json:"idempotency_key" validate:"required" example:"order-7f3a-attempt-1"`
	// HoldDurationSeconds を省略した場合はサーバー設定のデフォルトを使用
	HoldDurationSeconds int `json:"hold_duration_seconds" validate:"omitempty,gte=1" example:"900"`
}

type ExtendHoldRequest struct {
	// ExtendDurationSeconds を省略した場合はデフォルトの保持期間で延長
	ExtendDurationSeconds int `json:"extend_duration_seconds" validate:"omitempty,gte=1" example:"600"`
}

type HoldResponse struct {
	ID             string     `json:"id"`
	SlotID         string     `json:"slot_id"`
	Units          int        `json:"units"`
	State          string     `json:"state"`
	IdempotencyKey string     `json:"idempotency_key"`
	ExpiresAt      time.Time  `json:"expires_at"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toHoldResponse(h *hold.Hold) HoldResponse {
	return HoldResponse{
		ID: h.ID, SlotID: h.SlotID, Units: h.Units,
		State: string(h.State), IdempotencyKey: h.IdempotencyKey,
		ExpiresAt: h.ExpiresAt, ConfirmedAt: h.ConfirmedAt, CreatedAt: h.CreatedAt,
	}
}

// Reserve godoc
// @Summary 容量を仮押さえ
// @Description スロット容量を期限付きで確保します。同一の冪等キーによる再送は同じ結果を返します
// @Tags holds
// @Accept json
// @Produce json
// @Param request body ReserveRequest true "予約情報"
// @Success 201 {object} HoldResponse
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string "容量不足"
// @Failure 503 {object} map[string]string "競合過多"
// @Router /holds [post]
func (h *HoldHandler) Reserve(c echo.Context) error {
	var req ReserveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "無効なリクエスト")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	held, err := h.engine.Reserve(c.Request().Context(), application.ReserveInput{
		SlotID:         req.SlotID,
		Units:          req.Units,
		IdempotencyKey: req.IdempotencyKey,
		HoldDuration:   time.Duration(req.HoldDurationSeconds) * time.Second,
	})
	if err != nil {
		return holdErrorToHTTP(err)
	}
	return c.JSON(http.StatusCreated, toHoldResponse(held))
}

// GetByID godoc
// @Summary 仮押さえを取得
// @Tags holds
// @Produce json
// @Param id path string true "仮押さえID"
// @Success 200 {object} HoldResponse
// @Failure 404 {object} map[string]string
// @Router /holds/{id} [get]
func (h *HoldHandler) GetByID(c echo.Context) error {
	held, err := h.engine.GetHold(c.Request().Context(), c.Param("id"))
	if err != nil {
		return holdErrorToHTTP(err)
	}
	return c.JSON(http.StatusOK, toHoldResponse(held))
}

// Confirm godoc
// @Summary 仮押さえを確定
// @Description 有効期限内の仮押さえを確定済みに遷移させます。確定済みへの再実行は成功を返します
// @Tags holds
// @Produce json
// @Param id path string true "仮押さえID"
// @Success 200 {object} HoldResponse
// @Failure 404 {object} map[string]string
// @Failure 410 {object} map[string]string "仮押さえが失効済み"
// @Failure 503 {object} map[string]string "競合過多"
// @Router /holds/{id}/confirm [post]
func (h *HoldHandler) Confirm(c echo.Context) error {
	held, err := h.engine.Confirm(c.Request().Context(), c.Param("id"))
	if err != nil {
		return holdErrorToHTTP(err)
	}
	return c.JSON(http.StatusOK, toHoldResponse(held))
}

// Release godoc
// @Summary 仮押さえを解放
// @Description 仮押さえ中の容量を解放します。終端状態への再実行は成功を返します
// @Tags holds
// @Produce json
// @Param id path string true "仮押さえID"
// @Success 200 {object} HoldResponse
// @Failure 404 {object} map[string]string
// @Failure 503 {object} map[string]string "競合過多"
// @Router /holds/{id}/release [post]
func (h *HoldHandler) Release(c echo.Context) error {
	held, err := h.engine.Release(c.Request().Context(), c.Param("id"))
	if err != nil {
		return holdErrorToHTTP(err)
	}
	return c.JSON(http.StatusOK, toHoldResponse(held))
}

// Extend godoc
// @Summary 仮押さえの期限を延長
// @Description 有効な仮押さえの有効期限を現在時刻から指定期間後に再設定します
// @Tags holds
// @Accept json
// @Produce json
// @Param id path string true "仮押さえID"
// @Param request body ExtendHoldRequest true "延長情報"
// @Success 200 {object} HoldResponse
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 410 {object} map[string]string "仮押さえが失効済み"
// @Router /holds/{id}/extend [post]
func (h *HoldHandler) Extend(c echo.Context) error {
	var req ExtendHoldRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "無効なリクエスト")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	held, err := h.engine.ExtendHold(
		c.Request().Context(),
		c.Param("id"),
		time.Duration(req.ExtendDurationSeconds)*time.Second,
	)
	if err != nil {
		return holdErrorToHTTP(err)
	}
	return c.JSON(http.StatusOK, toHoldResponse(held))
}

// holdErrorToHTTP はドメインエラーをHTTPステータスへ対応付ける
func holdErrorToHTTP(err error) error {
	switch {
	case errors.Is(err, slot.ErrSlotNotFound), errors.Is(err, hold.ErrHoldNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, slot.ErrCapacityExceeded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, hold.ErrHoldNoLongerValid):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	case errors.Is(err, slot.ErrTooContended):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, slot.ErrSlotArchived),
		errors.Is(err, hold.ErrInvalidUnits),
		errors.Is(err, hold.ErrInvalidHoldDuration),
		errors.Is(err, hold.ErrSlotIDRequired),
		errors.Is(err, hold.ErrIdempotencyKeyRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
