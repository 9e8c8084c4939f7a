package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// requestValidator plugs go-playground/validator into echo's c.Validate
type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	return &requestValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *requestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

func bindAndValidate(c echo.Context, req interface{}) *ErrorResponse {
	if err := c.Bind(req); err != nil {
		return &ErrorResponse{Error: "invalid_request", Message: "Invalid request format"}
	}
	if err := c.Validate(req); err != nil {
		return &ErrorResponse{Error: "validation_failed", Message: err.Error()}
	}
	return nil
}

func badRequest(c echo.Context, resp *ErrorResponse) error {
	return c.JSON(http.StatusBadRequest, resp)
}
