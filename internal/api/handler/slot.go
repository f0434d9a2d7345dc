package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/application"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/domain/slot"
)

type SlotHandler struct {
	service SlotServiceInterface
}

func NewSlotHandler(s SlotServiceInterface) *SlotHandler {
	return &SlotHandler{service: s}
}

type CreateSlotRequest struct {
	Name          string    `json:"name" validate:"required" example:"脱出ルームA 18:00回"`
	StartAt       time.Time `json:"start_at" validate:"required"`
	EndAt         time.Time `json:"end_at" validate:"required"`
	TotalCapacity int       `json:"total_capacity" validate:"gte=0" example:"8"`
}

type SlotResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	StartAt        time.Time `json:"start_at"`
	EndAt          time.Time `json:"end_at"`
	TotalCapacity  int       `json:"total_capacity"`
	HeldCount      int       `json:"held_count"`
	ConfirmedCount int       `json:"confirmed_count"`
	Available      int       `json:"available"`
	Archived       bool      `json:"archived"`
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

func toSlotResponse(s *slot.Slot) SlotResponse {
	return SlotResponse{
		ID: s.ID, Name: s.Name, StartAt: s.StartAt, EndAt: s.EndAt,
		TotalCapacity: s.TotalCapacity, HeldCount: s.HeldCount,
		ConfirmedCount: s.ConfirmedCount, Available: s.Available(),
		Archived: s.Archived, Version: s.Version, CreatedAt: s.CreatedAt,
	}
}

// Create godoc
// @Summary スロットを作成
// @Description 予約可能な時間枠を登録します
// @Tags slots
// @Accept json
// @Produce json
// @Param request body CreateSlotRequest true "スロット情報"
// @Success 201 {object} SlotResponse
// @Failure 400 {object} map[string]string
// @Router /slots [post]
func (h *SlotHandler) Create(c echo.Context) error {
	var req CreateSlotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "無効なリクエスト")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	s, err := h.service.CreateSlot(c.Request().Context(), application.CreateSlotInput{
		Name: req.Name, StartAt: req.StartAt, EndAt: req.EndAt, TotalCapacity: req.TotalCapacity,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, toSlotResponse(s))
}

// List godoc
// @Summary スロット一覧を取得
// @Tags slots
// @Produce json
// @Param limit query int false "取得件数" default(20)
// @Param offset query int false "オフセット" default(0)
// @Success 200 {array} SlotResponse
// @Router /slots [get]
func (h *SlotHandler) List(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	slots, err := h.service.ListSlots(c.Request().Context(), limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]SlotResponse, len(slots))
	for i, s := range slots {
		resp[i] = toSlotResponse(s)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetByID godoc
// @Summary スロットを取得
// @Tags slots
// @Produce json
// @Param id path string true "スロットID"
// @Success 200 {object} SlotResponse
// @Failure 404 {object} map[string]string
// @Router /slots/{id} [get]
func (h *SlotHandler) GetByID(c echo.Context) error {
	id := c.Param("id")
	s, err := h.service.GetSlot(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, slot.ErrSlotNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, toSlotResponse(s))
}

// AvailabilityResponse は残り容量のレスポンス
type AvailabilityResponse struct {
	SlotID    string `json:"slot_id"`
	Available int    `json:"available"`
}

// Availability godoc
// @Summary スロットの残り容量を取得
// @Description キャッシュ付きの残り容量を返します
// @Tags slots
// @Produce json
// @Param id path string true "スロットID"
// @Success 200 {object} AvailabilityResponse
// @Failure 404 {object} map[string]string
// @Router /slots/{id}/availability [get]
func (h *SlotHandler) Availability(c echo.Context) error {
	id := c.Param("id")
	available, err := h.service.GetAvailability(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, slot.ErrSlotNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, AvailabilityResponse{SlotID: id, Available: available})
}

// Delete godoc
// @Summary スロットを削除
// @Description 確定済みの予約があるスロットは削除できません
// @Tags slots
// @Param id path string true "スロットID"
// @Success 204
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /slots/{id} [delete]
func (h *SlotHandler) Delete(c echo.Context) error {
	id := c.Param("id")
	if err := h.service.DeleteSlot(c.Request().Context(), id); err != nil {
		switch {
		case errors.Is(err, slot.ErrSlotNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, slot.ErrSlotHasConfirmed):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
