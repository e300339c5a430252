// Package upload implements the one-shot upload, delete and backup
// endpoints.
package upload

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/stowaway/service/internal/cache"
	"github.com/stowaway/service/internal/metrics"
	"github.com/stowaway/service/internal/middleware"
	"github.com/stowaway/service/internal/response"
	"github.com/stowaway/service/internal/vhost"
)

// Replicator schedules background propagation to the tenant's stores.
// *replication.Queue satisfies it.
type Replicator interface {
	Reserve(ctx context.Context, vh *vhost.VHost, relpath string)
	Created(ctx context.Context, vh *vhost.VHost, relpath string)
	Deleted(vh *vhost.VHost, relpath string)
	BackedUp(vh *vhost.VHost, relpath string)
}

// Handler serves /upload, /upload_url, /delete and /backup.
type Handler struct {
	cache     *cache.Store
	replicate Replicator
	fetcher   *Fetcher
}

func NewHandler(store *cache.Store, replicate Replicator, fetcher *Fetcher) *Handler {
	return &Handler{cache: store, replicate: replicate, fetcher: fetcher}
}

// Info describes a stored upload.
type Info struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	Geometry    string `json:"geometry,omitempty"`
	Bytes       int64  `json:"bytes"`
}

// Upload godoc
// @Summary      Upload a file
// @Description  Stores the raw request body (or a data: URI body) and schedules remote replication.
// @Tags         upload
// @Accept       octet-stream
// @Produce      json
// @Param        file        query  string  true   "original filename"
// @Param        uuid        query  string  false  "signature nonce"
// @Param        expiration  query  string  false  "signature expiry, unix seconds"
// @Param        hmac        query  string  false  "hex HMAC-SHA1(secret, uuid+expiration)"
// @Success      200  {object}  Info
// @Failure      401  "Authorization failed"
// @Failure      500  "Local file failed"
// @Router       /upload [put]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	vh := vhost.FromContext(r.Context())
	switch r.Method {
	case http.MethodPut, http.MethodPost, http.MethodPatch:
		middleware.RequireSignature(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := decodeDataURI(r.Body)
			if err != nil {
				vh.SetCORS(w.Header())
				response.BadRequest(w, "Bad data URI")
				return
			}
			h.store(w, r, r.URL.Query().Get("file"), body)
		})).ServeHTTP(w, r)
	case http.MethodOptions:
		vh.SetCORS(w.Header())
		w.WriteHeader(http.StatusOK)
	default:
		vh.SetCORS(w.Header())
		w.WriteHeader(http.StatusBadRequest)
	}
}

// store writes body under a fresh relative path and replies with its Info.
func (h *Handler) store(w http.ResponseWriter, r *http.Request, filename string, body io.Reader) {
	vh := vhost.FromContext(r.Context())
	vh.SetCORS(w.Header())

	relpath := GenerateRelpath(filename)
	key := cache.NewKey(vh.Name, relpath)
	h.replicate.Reserve(r.Context(), vh, relpath)
	n, err := h.cache.Write(key, body)
	if err != nil || n == 0 {
		if err != nil {
			log.WithFields(log.Fields{"key": key.String(), "referer": r.Referer()}).Errorf("upload: %v", err)
		}
		h.cache.Delete(key) //nolint:errcheck
		// A create for a missing entry only drops its marker.
		h.replicate.Created(r.Context(), vh, relpath)
		response.InternalError(w, "Local file failed")
		return
	}
	metrics.BytesUploaded.Add(float64(n))
	log.WithFields(log.Fields{"key": key.String(), "bytes": n}).Info("upload: received")

	h.replicate.Created(r.Context(), vh, relpath)

	response.OK(w, Describe(h.cache, key, relpath))
}

// Describe reports the stored size, sniffed content type and, for images,
// the pixel geometry of the entry at key.
func Describe(store *cache.Store, key cache.Key, relpath string) Info {
	info := Info{Path: relpath, ContentType: "application/octet-stream"}
	f, err := store.Read(key)
	if err != nil {
		return info
	}
	defer f.Close()
	if st, err := f.Stat(); err == nil {
		info.Bytes = st.Size()
	}
	if mt, err := mimetype.DetectReader(f); err == nil {
		info.ContentType = mt.String()
	}
	if _, err := f.Seek(0, io.SeekStart); err == nil {
		if cfg, _, err := image.DecodeConfig(f); err == nil {
			info.Geometry = fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
		}
	}
	return info
}

// Sanitize makes a client filename safe to use as the last path segment.
func Sanitize(filename string) string {
	filename = strings.NewReplacer("%", "_", "/", "_", "\\", "_").Replace(filename)
	if filename == "" || filename == "." || filename == ".." {
		return "file"
	}
	return filename
}

// GenerateRelpath places filename under sixteen random two-character
// directories, e.g. "3f/a0/.../photo.jpg".
func GenerateRelpath(filename string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	parts := make([]string, 0, 17)
	for i := 0; i+2 <= len(id); i += 2 {
		parts = append(parts, id[i:i+2])
	}
	parts = append(parts, Sanitize(filename))
	return path.Join(parts...)
}
