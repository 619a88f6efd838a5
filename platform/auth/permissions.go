package auth

import (
	"fmt"
	"net/http"
)

// AdminOnly restricts an endpoint to organization admins. Tenant scoping is
// already guaranteed by addUserToContext, so the check is purely on role.
func AdminOnly() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if !user.IsAdmin() {
				http.Error(w, fmt.Sprintf("user %v is not an organization admin", user.Id), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}
