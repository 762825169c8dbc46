package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"github.com/warp/dispatch-engine/dispatch"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// requestValidator checks request DTOs and renders failures per JSON field.
type requestValidator struct {
	validate   *validator.Validate
	translator ut.Translator
}

// newRequestValidator panics if the English translations cannot be
// registered; both inputs are compiled in.
func newRequestValidator() *requestValidator {
	v := validator.New()

	english := en.New()
	uni := ut.New(english, english)
	trans, found := uni.GetTranslator("en")
	if !found {
		panic("api: english translator not registered")
	}
	if err := en_translations.RegisterDefaultTranslations(v, trans); err != nil {
		panic(fmt.Sprintf("api: register validator translations: %v", err))
	}

	// Report JSON field names instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &requestValidator{validate: v, translator: trans}
}

// fieldErrors maps JSON field names to messages.
type fieldErrors map[string]string

func (fe fieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for field, msg := range fe {
		parts = append(parts, field+": "+msg)
	}
	return strings.Join(parts, "; ")
}

// Struct validates dst and returns fieldErrors on failure.
func (rv *requestValidator) Struct(dst any) error {
	err := rv.validate.Struct(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make(fieldErrors, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Translate(rv.translator)
	}
	return out
}

// decode reads a JSON body into dst and validates it. On failure it writes
// a 400 response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", dispatch.CodeInvalidInput, err.Error())
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var fe fieldErrors
		if errors.As(err, &fe) {
			writeError(w, http.StatusBadRequest, "Validation failed", dispatch.CodeInvalidInput, fe)
			return false
		}
		writeError(w, http.StatusBadRequest, "Validation failed", dispatch.CodeInvalidInput, fmt.Sprint(err))
		return false
	}
	return true
}
