package tus

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stowaway/service/internal/cache"
	"github.com/stowaway/service/internal/middleware"
	"github.com/stowaway/service/internal/response"
	"github.com/stowaway/service/internal/upload"
	"github.com/stowaway/service/internal/vhost"
)

// Replicator schedules the remote copy of an upload after each chunk.
type Replicator interface {
	Created(ctx context.Context, vh *vhost.VHost, relpath string)
}

// Handler serves /tus/files.
type Handler struct {
	cache     *cache.Store
	replicate Replicator
}

func NewHandler(store *cache.Store, replicate Replicator) *Handler {
	return &Handler{cache: store, replicate: replicate}
}

// ServeHTTP dispatches on method. Creation and preflight are open; the
// session operations require a signature on secured tenants.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodOptions:
		setHeaders(w, vhost.FromContext(r.Context()), -1)
		w.WriteHeader(http.StatusCreated)
	case http.MethodPatch:
		middleware.RequireSignature(http.HandlerFunc(h.patch)).ServeHTTP(w, r)
	case http.MethodHead:
		middleware.RequireSignature(http.HandlerFunc(h.head)).ServeHTTP(w, r)
	case http.MethodGet:
		middleware.RequireSignature(http.HandlerFunc(h.get)).ServeHTTP(w, r)
	default:
		setHeaders(w, vhost.FromContext(r.Context()), -1)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// create allocates a session: a zero-length entry under a fresh relpath.
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	vh := vhost.FromContext(r.Context())
	length, err := parseCount(headerValue(r.Header, lengthKeys))
	if err != nil {
		setHeaders(w, vh, -1)
		response.BadRequest(w, "Bad upload length")
		return
	}

	filename := parseMetadata(r.Header)["filename"]
	if filename == "" {
		filename = r.URL.Query().Get("file")
	}
	relpath := upload.GenerateRelpath(filename)
	if err := h.cache.Touch(cache.NewKey(vh.Name, relpath)); err != nil {
		log.WithFields(log.Fields{"relpath": relpath, "referer": r.Referer()}).Errorf("tus: create: %v", err)
		setHeaders(w, vh, -1)
		response.InternalError(w, "Local file failed")
		return
	}

	loc := requestURL(r)
	q := loc.Query()
	q.Set("relpath", relpath)
	q.Set("upload_length", strconv.FormatInt(length, 10))
	loc.RawQuery = q.Encode()

	setHeaders(w, vh, -1)
	w.Header().Set("Location", loc.String())
	w.WriteHeader(http.StatusCreated)
}

// patch writes one chunk at Upload-Offset.
func (h *Handler) patch(w http.ResponseWriter, r *http.Request) {
	vh := vhost.FromContext(r.Context())
	relpath := r.URL.Query().Get("relpath")
	key := cache.NewKey(vh.Name, relpath)

	if err := key.Validate(); err != nil {
		setHeaders(w, vh, -1)
		response.BadRequest(w, "Bad headers")
		return
	}
	size, err := h.cache.WriteAtFunc(key, io.LimitReader(r.Body, r.ContentLength), func(current int64) (int64, error) {
		return checkPatch(r, current)
	})
	if errors.Is(err, ErrBadRequest) {
		setHeaders(w, vh, size)
		response.BadRequest(w, "Bad headers")
		return
	}
	if err != nil {
		log.WithFields(log.Fields{"key": key.String(), "referer": r.Referer()}).Errorf("tus: patch: %v", err)
		setHeaders(w, vh, -1)
		response.InternalError(w, "Local file failed")
		return
	}
	h.replicate.Created(r.Context(), vh, relpath)

	setHeaders(w, vh, size)
	response.OK(w, upload.Describe(h.cache, key, relpath))
}

// checkPatch validates the PATCH preconditions together and returns the
// requested offset.
func checkPatch(r *http.Request, current int64) (int64, error) {
	if r.ContentLength < 0 {
		return 0, errors.Wrap(ErrBadRequest, "missing Content-Length")
	}
	offset, err := parseCount(headerValue(r.Header, offsetKeys))
	if err != nil {
		return 0, err
	}
	if r.Header.Get("Content-Type") != OffsetContentType {
		return 0, errors.Wrap(ErrBadRequest, "wrong Content-Type")
	}
	if r.Header.Get("Tus-Resumable") != Version {
		return 0, errors.Wrap(ErrBadRequest, "unsupported Tus-Resumable")
	}
	if offset > current {
		return 0, errors.Wrapf(ErrBadRequest, "offset %d ahead of %d", offset, current)
	}
	if declared := r.URL.Query().Get("upload_length"); declared != "" {
		length, err := parseCount(declared)
		if err != nil {
			return 0, err
		}
		if offset+r.ContentLength > length {
			return 0, errors.Wrapf(ErrBadRequest, "chunk ends past declared length %d", length)
		}
	}
	return offset, nil
}

func (h *Handler) head(w http.ResponseWriter, r *http.Request) {
	vh := vhost.FromContext(r.Context())
	relpath := r.URL.Query().Get("relpath")
	key := cache.NewKey(vh.Name, relpath)

	current, err := h.offset(key)
	if err != nil {
		setHeaders(w, vh, -1)
		response.BadRequest(w, "Bad headers")
		return
	}
	setHeaders(w, vh, current)
	w.Header().Set("Cache-Control", "no-store")
	if length := r.URL.Query().Get("upload_length"); length != "" {
		w.Header().Set("Upload-Length", length)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	vh := vhost.FromContext(r.Context())
	relpath := r.URL.Query().Get("relpath")
	dir, base := path.Split(relpath)
	setHeaders(w, vh, -1)
	http.Redirect(w, r, path.Join("/view", dir, cache.Original)+"/"+url.PathEscape(base), http.StatusFound)
}

// offset returns the session's current size, creating an empty session
// when none exists yet.
func (h *Handler) offset(key cache.Key) (int64, error) {
	size, err := h.cache.Size(key)
	if errors.Is(err, cache.ErrNotFound) {
		if err := h.cache.Touch(key); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return size, err
}

func requestURL(r *http.Request) *url.URL {
	u := *r.URL
	u.Host = r.Host
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		u.Scheme = proto
	}
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		u.Host = fwd
	}
	return &u
}
