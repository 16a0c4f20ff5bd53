package middleware

import (
	"encoding/json"
	"net/http"

	"promo-engine/pkg/errutil"

	"go.uber.org/zap"
)

// Recover converts handler panics into a JSON internal error response.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				zap.L().Error("handler panic",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"code":    errutil.StatusInternal,
					"message": "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
