package middleware

import (
	"net/http"

	apperrors "github.com/vitrinehub/billing-engine/internal"
)

// MerchantContext stores the calling storefront's merchant ID in the request
// context. Checkout frontends send it as a header; payloads that name one
// explicitly still win over it.
func MerchantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if merchantID := r.Header.Get("X-Merchant-ID"); merchantID != "" {
			r = r.WithContext(apperrors.ContextWithMerchantID(r.Context(), merchantID))
		}
		next.ServeHTTP(w, r)
	})
}
