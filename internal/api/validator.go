package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// CustomValidator はvalidator/v10をEchoに組み込むアダプター
type CustomValidator struct {
	validate *validator.Validate
}

// NewValidator はリクエストDTO検証用のバリデーターを作成する
func NewValidator() *CustomValidator {
	return &CustomValidator{validate: validator.New()}
}

// Validate は構造体タグに基づく検証を実行し、違反を400として返す
func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}
