// Package middleware holds the HTTP middleware of the planning service.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gostage/internal/errors"
)

// ErrorResponse is the JSON body written for recovered panics.
type ErrorResponse = apperrors.HTTPErrorResponse

// PanicLogger receives recovered panics. Nop by default.
var PanicLogger = zap.NewNop()

// Recovery turns a panic into a 500 JSON error response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			PanicLogger.Error("Recovered panic",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()))

			env := gferrors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			env, _ = env.WithSeverity(gferrors.SeverityCritical)
			if id := apperrors.RequestIDFrom(r.Context()); id != "" {
				env = env.WithCorrelationID(id)
			}
			env, _ = env.WithContext(map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
			})
			writeErrorResponse(w, env, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	apperrors.WriteErrorResponse(w, status, env)
}
