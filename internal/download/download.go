// Package download serves /view: originals from the local cache or the
// tenant's stores, and transformed variants rendered by the worker pool.
package download

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stowaway/service/internal/auth"
	"github.com/stowaway/service/internal/cache"
	"github.com/stowaway/service/internal/race"
	"github.com/stowaway/service/internal/response"
	"github.com/stowaway/service/internal/storage"
	"github.com/stowaway/service/internal/transform"
	"github.com/stowaway/service/internal/vhost"
)

// SignedURLTTL is how long a backend redirect stays valid. Signed URLs are
// memoised for a little less than that.
const SignedURLTTL = time.Hour

// statusClientClosed is logged for requests abandoned by the client.
const statusClientClosed = 499

// Renderer produces a variant. *transform.Pool satisfies it.
type Renderer interface {
	Submit(ctx context.Context, job transform.Job) ([]byte, error)
}

// Handler serves GET /view/<dir>/<variant>/<basename>.
type Handler struct {
	cache         *cache.Store
	render        Renderer
	remoteTimeout time.Duration
	tmpDir        string
	signed        *ttlcache.Cache[string, string]
}

func NewHandler(store *cache.Store, render Renderer, remoteTimeout time.Duration, tmpDir string) *Handler {
	return &Handler{
		cache:         store,
		render:        render,
		remoteTimeout: remoteTimeout,
		tmpDir:        tmpDir,
		signed:        ttlcache.New(ttlcache.WithTTL[string, string](SignedURLTTL * 9 / 10)),
	}
}

// Run expires memoised signed URLs until ctx is done.
func (h *Handler) Run(ctx context.Context) error {
	go h.signed.Start()
	<-ctx.Done()
	h.signed.Stop()
	return nil
}

// Request is a parsed /view path.
type Request struct {
	Dir      string
	Variant  string
	Basename string
}

// Relpath is the upload's path inside the tenant namespace.
func (r Request) Relpath() string {
	return path.Join(r.Dir, r.Basename)
}

// ParseRequest splits "/view/<dir>/<variant>/<basename>". dir may span
// several segments but must not be empty.
func ParseRequest(p string) (Request, bool) {
	p = strings.TrimPrefix(p, "/view/")
	parts := strings.Split(p, "/")
	if len(parts) < 3 {
		return Request{}, false
	}
	n := len(parts)
	req := Request{
		Dir:      strings.Join(parts[:n-2], "/"),
		Variant:  parts[n-2],
		Basename: parts[n-1],
	}
	if req.Dir == "" || req.Variant == "" || req.Basename == "" {
		return Request{}, false
	}
	return req, true
}

// View godoc
// @Summary      Download a file or variant
// @Description  variant is "original", a tenant geometry alias, a backend name (remote, backup), a single geometry such as 64x64# or a signed transform token.
// @Tags         download
// @Param        dir       path  string  true  "directory part of the upload path"
// @Param        variant   path  string  true  "variant"
// @Param        basename  path  string  true  "file name"
// @Success      200
// @Success      302  "redirect to a signed backend URL"
// @Failure      400  "Bad variant"
// @Failure      401  "Authorization failed"
// @Failure      404
// @Failure      503  "Transform pool exhausted"
// @Router       /view/{dir}/{variant}/{basename} [get]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vh := vhost.FromContext(r.Context())
	req, ok := ParseRequest(r.URL.Path)
	if !ok {
		response.NotFound(w)
		return
	}
	key := cache.NewKey(vh.Name, req.Relpath())
	if key.Validate() != nil {
		response.NotFound(w)
		return
	}

	if req.Variant == cache.Original {
		h.original(w, r, vh, key)
		return
	}
	if store, ok := vh.Store(req.Variant); ok {
		h.backend(w, r, vh, req, store)
		return
	}

	spec, err := resolveVariant(vh, req)
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		response.Unauthorized(w)
		return
	case err != nil:
		response.BadRequest(w, "Bad variant")
		return
	}
	h.variant(w, r, vh, key, req, spec)
}

// resolveVariant turns an alias, a signed chain token or a literal single
// geometry into a transform spec. Multi-step chains are only honoured when
// they come from a token or an alias.
func resolveVariant(vh *vhost.VHost, req Request) (transform.Spec, error) {
	if alias, ok := vh.GeometryAlias[req.Variant]; ok {
		return transform.Parse(alias)
	}
	if auth.LooksLikeToken(req.Variant) {
		chain, err := auth.ParseChain(vh.SecretKey, req.Variant, req.Relpath())
		if err != nil {
			return transform.Spec{}, err
		}
		return transform.Parse(chain)
	}
	spec, err := transform.Parse(req.Variant)
	if err != nil {
		return transform.Spec{}, err
	}
	if !spec.Single() {
		return transform.Spec{}, errors.Wrap(transform.ErrBadSpec, "unsigned chain")
	}
	return spec, nil
}

func (h *Handler) original(w http.ResponseWriter, r *http.Request, vh *vhost.VHost, key cache.Key) {
	f, err := h.fetchOriginal(r.Context(), vh, key)
	if err != nil {
		h.fail(w, r, key, err)
		return
	}
	defer f.Close()
	serve(w, r, vh, f, path.Base(key.Path))
}

// fetchOriginal returns the original from the cache, racing the tenant's
// backends on a miss.
func (h *Handler) fetchOriginal(ctx context.Context, vh *vhost.VHost, key cache.Key) (*os.File, error) {
	return h.cache.Fetch(ctx, key, func(ctx context.Context) (io.ReadCloser, error) {
		backends := vh.Backends()
		lookups := make([]race.Lookup[*staged], 0, len(backends))
		for _, b := range backends {
			b := b
			lookups = append(lookups, race.Lookup[*staged]{
				Name: b.Name,
				Fn: func(ctx context.Context) (*staged, error) {
					ctx, cancel := context.WithTimeout(ctx, h.remoteTimeout)
					defer cancel()
					return h.stage(ctx, b.Store, vh.RemoteKey(key.Path))
				},
			})
		}
		res, ok := race.First(ctx, lookups...)
		if !ok {
			return nil, cache.ErrNotFound
		}
		log.WithFields(log.Fields{"key": key.String(), "backend": res.Name}).Info("download: fetched from backend")
		return res.Value, nil
	})
}

func (h *Handler) variant(w http.ResponseWriter, r *http.Request, vh *vhost.VHost, key cache.Key, req Request, spec transform.Spec) {
	vkey := key.WithVariant(spec.String())
	f, err := h.cache.Fetch(r.Context(), vkey, func(ctx context.Context) (io.ReadCloser, error) {
		orig, err := h.fetchOriginal(ctx, vh, key)
		if err != nil {
			return nil, err
		}
		input, err := io.ReadAll(orig)
		orig.Close()
		if err != nil {
			return nil, errors.Wrap(err, "read original")
		}
		out, err := h.render.Submit(ctx, transform.Job{
			Tenant:   vh.Name,
			Input:    input,
			Spec:     spec,
			Filename: req.Basename,
		})
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(out)), nil
	})
	if err != nil {
		h.fail(w, r, vkey, err)
		return
	}
	defer f.Close()
	serve(w, r, vh, f, req.Basename)
}

// backend redirects to a signed URL on the named store, or proxies the
// object when the store cannot sign.
func (h *Handler) backend(w http.ResponseWriter, r *http.Request, vh *vhost.VHost, req Request, store storage.ObjectStore) {
	remoteKey := vh.RemoteKey(req.Relpath())
	memo := vh.Name + "|" + req.Variant + "|" + remoteKey
	if item := h.signed.Get(memo); item != nil {
		http.Redirect(w, r, item.Value(), http.StatusFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.remoteTimeout)
	defer cancel()
	u, err := store.SignedURL(ctx, remoteKey, SignedURLTTL)
	if err == nil {
		h.signed.Set(memo, u, ttlcache.DefaultTTL)
		http.Redirect(w, r, u, http.StatusFound)
		return
	}
	if !errors.Is(err, storage.ErrUnsupported) {
		h.fail(w, r, cache.NewKey(vh.Name, req.Relpath()), err)
		return
	}

	s, err := h.stage(ctx, store, remoteKey)
	if err != nil {
		h.fail(w, r, cache.NewKey(vh.Name, req.Relpath()), err)
		return
	}
	if s == nil {
		response.NotFound(w)
		return
	}
	defer s.Close()
	serve(w, r, vh, s.File, req.Basename)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, key cache.Key, err error) {
	switch {
	case errors.Is(err, cache.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		response.NotFound(w)
	case errors.Is(err, transform.ErrPoolTimeout):
		response.Exception(w, http.StatusServiceUnavailable, "Transform pool exhausted")
	case errors.Is(err, context.Canceled):
		w.WriteHeader(statusClientClosed)
	default:
		log.WithFields(log.Fields{"key": key.String(), "referer": r.Referer()}).Errorf("download: %v", err)
		response.InternalError(w, "Download failed")
	}
}

// serve writes f with its sniffed content type and the tenant's download
// headers. Range and conditional requests are handled by http.ServeContent.
func serve(w http.ResponseWriter, r *http.Request, vh *vhost.VHost, f *os.File, name string) {
	info, err := f.Stat()
	if err != nil {
		response.InternalError(w, "Download failed")
		return
	}
	mt, err := mimetype.DetectReader(f)
	if err == nil {
		w.Header().Set("Content-Type", mt.String())
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		response.InternalError(w, "Download failed")
		return
	}
	vh.SetDownloadHeaders(w.Header())
	http.ServeContent(w, r, name, info.ModTime(), f)
}
