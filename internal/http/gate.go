package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/castdio/castd/internal/dbal"
	"github.com/castdio/castd/internal/models"
)

// PermissionGate gates mutating requests on the external permission check.
// Identity arrives from the fronting proxy as X-Tenant-ID / X-User-ID; the
// daemon itself does not authenticate end users. A transport error or
// non-200 from the permission API denies.
func PermissionGate(client *dbal.PermissionClient) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				next.ServeHTTP(w, r)
				return
			}

			tenant := r.Header.Get("X-Tenant-ID")
			user := r.Header.Get("X-User-ID")
			if !client.Allowed(r.Context(), tenant, user, permissionFor(r.URL.Path)) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]map[string]string{
					"error": {
						"code":    string(models.KindForbidden),
						"message": "permission denied",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func permissionFor(path string) string {
	switch {
	case strings.HasPrefix(path, "/jobs"):
		return "jobs.write"
	case strings.HasPrefix(path, "/radio"), strings.HasPrefix(path, "/tv"):
		return "channels.write"
	case strings.HasPrefix(path, "/plugins"):
		return "plugins.write"
	default:
		return "admin.write"
	}
}
