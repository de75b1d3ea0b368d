// Package handlers adapts the generation facade, wallets, webhooks and admin
// operations to HTTP. Business rules live behind the facade.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/creditforge/backend/internal/apperr"
	"github.com/creditforge/backend/internal/generation"
	"github.com/creditforge/backend/internal/middleware"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

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

// decode reads an optional JSON body into dst and validates it. An empty
// body leaves dst at its zero value.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Wrap(apperr.CodeValidation, err, "invalid JSON body")
	}
	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return apperr.Wrap(apperr.CodeValidation, err, "invalid request")
		}
		fields := make(map[string]any, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields[fe.Field()] = fe.Tag()
		}
		e := apperr.New(apperr.CodeValidation, "invalid request fields")
		e.Details = map[string]any{"fields": fields}
		return e
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError logs server faults and writes the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if !generation.IsClientError(err) {
		logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	apperr.WriteHTTP(w, err)
}

// caller builds the facade caller from the authenticated identity.
func caller(r *http.Request) (generation.Caller, error) {
	id, ok := middleware.IdentityFromCtx(r.Context())
	if !ok {
		return generation.Caller{}, apperr.ErrUnauthorized
	}
	return generation.Caller{IdentityID: id.ID, Admin: id.Admin()}, nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, apperr.New(apperr.CodeValidation, "invalid %s", name)
	}
	return id, nil
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
