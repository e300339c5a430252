package middleware

import (
	"net/http"
	"time"

	"github.com/stowaway/service/internal/auth"
	"github.com/stowaway/service/internal/response"
	"github.com/stowaway/service/internal/vhost"
)

// Tenant resolves the request's tenant and stores its snapshot in the
// request context.
func Tenant(reg *vhost.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			vh := reg.ForRequest(r)
			next.ServeHTTP(w, r.WithContext(vhost.NewContext(r.Context(), vh)))
		})
	}
}

// RequireSignature rejects requests to secured tenants that lack a valid
// uuid/expiration/hmac signature in the query string.
func RequireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vh := vhost.FromContext(r.Context())
		if vh.Secured() {
			if err := auth.Verify(vh.SecretKey, auth.ParamsFrom(r.URL.Query()), time.Now()); err != nil {
				vh.SetCORS(w.Header())
				response.Unauthorized(w)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
