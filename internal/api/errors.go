package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/nidhogg/tempus/internal/travel"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads a JSON body into dst and validates it. On failure it writes
// the response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			h.writeError(w, fieldError(fieldErrs[0]))
			return false
		}
		h.writeError(w, travel.Validation("", err.Error()))
		return false
	}
	return true
}

func fieldError(fe validator.FieldError) *travel.Error {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return travel.Validation(field, field+" is required")
	case "max":
		return travel.Validation(field, field+" must be at most "+fe.Param()+" characters")
	}
	return travel.Validation(field, field+" is invalid")
}

// statusOf maps an engine error code to its HTTP status.
func statusOf(code travel.Code) int {
	switch code {
	case travel.CodeValidation:
		return http.StatusUnprocessableEntity
	case travel.CodeStateConflict:
		return http.StatusConflict
	case travel.CodeNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := travel.CodeOf(err)
	status := statusOf(code)
	body := map[string]string{"error": err.Error(), "code": string(code)}

	var te *travel.Error
	if errors.As(err, &te) && te.Field != "" {
		body["field"] = te.Field
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		body["error"] = "internal storage error"
	}
	writeJSON(w, status, body)
}
