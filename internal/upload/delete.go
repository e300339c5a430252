package upload

import (
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/stowaway/service/internal/cache"
	"github.com/stowaway/service/internal/response"
	"github.com/stowaway/service/internal/vhost"
)

func paths(r *http.Request) []string {
	var out []string
	for _, p := range strings.Split(r.URL.Query().Get("paths"), "\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.TrimPrefix(p, "/"))
		}
	}
	return out
}

// Delete godoc
// @Summary      Delete files
// @Description  Removes files and their variants locally and schedules removal from remote and backup stores.
// @Tags         upload
// @Param        paths  query  string  true  "newline separated relative paths"
// @Success      200
// @Failure      401  "Authorization failed"
// @Router       /delete [delete]
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	vh := vhost.FromContext(r.Context())
	vh.SetCORS(w.Header())

	for _, relpath := range paths(r) {
		key := cache.NewKey(vh.Name, relpath)
		log.WithFields(log.Fields{"key": key.String()}).Info("delete: local")
		if _, err := h.cache.DeleteVariants(key); err != nil {
			response.InternalError(w, "Local delete failed")
			return
		}
		if _, err := h.cache.Delete(key); err != nil {
			response.InternalError(w, "Local delete failed")
			return
		}
		h.replicate.Deleted(vh, relpath)
	}
	w.WriteHeader(http.StatusOK)
}

// Backup godoc
// @Summary      Copy files from the remote to the backup store
// @Tags         upload
// @Param        paths  query  string  true  "newline separated relative paths"
// @Success      200
// @Failure      401  "Authorization failed"
// @Router       /backup [post]
func (h *Handler) Backup(w http.ResponseWriter, r *http.Request) {
	vh := vhost.FromContext(r.Context())
	vh.SetCORS(w.Header())
	for _, relpath := range paths(r) {
		h.replicate.BackedUp(vh, relpath)
	}
	w.WriteHeader(http.StatusOK)
}
