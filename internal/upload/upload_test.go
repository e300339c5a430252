package upload

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowaway/service/internal/auth"
	"github.com/stowaway/service/internal/cache"
	"github.com/stowaway/service/internal/middleware"
	"github.com/stowaway/service/internal/vhost"
)

type fakeReplicator struct {
	mu       sync.Mutex
	store    *cache.Store
	reserved []reservation
	created  []string
	deleted  []string
	backedUp []string
}

type reservation struct {
	relpath string
	cached  bool
}

func (f *fakeReplicator) Reserve(_ context.Context, vh *vhost.VHost, relpath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.store.Size(cache.NewKey(vh.Name, relpath))
	f.reserved = append(f.reserved, reservation{relpath: relpath, cached: err == nil})
}

func (f *fakeReplicator) Created(_ context.Context, _ *vhost.VHost, relpath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, relpath)
}

func (f *fakeReplicator) Deleted(_ *vhost.VHost, relpath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, relpath)
}

func (f *fakeReplicator) BackedUp(_ *vhost.VHost, relpath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backedUp = append(f.backedUp, relpath)
}

const tenants = `
secure.test:
  secret_key: topsecret
"*": {}
`

type fixture struct {
	handler   *Handler
	store     *cache.Store
	replicate *fakeReplicator
	mux       http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg, err := vhost.Parse([]byte(tenants))
	require.NoError(t, err)
	reg, err := vhost.NewRegistry(context.Background(), cfg, nil)
	require.NoError(t, err)
	store, err := cache.New(t.TempDir())
	require.NoError(t, err)

	f := &fixture{store: store, replicate: &fakeReplicator{store: store}}
	f.handler = NewHandler(store, f.replicate, NewFetcher("stowaway-test", t.TempDir()))

	mux := http.NewServeMux()
	mux.HandleFunc("/upload", f.handler.Upload)
	mux.HandleFunc("/upload_url", f.handler.UploadURL)
	mux.Handle("/delete", middleware.RequireSignature(http.HandlerFunc(f.handler.Delete)))
	mux.Handle("/backup", middleware.RequireSignature(http.HandlerFunc(f.handler.Backup)))
	f.mux = middleware.Tenant(reg)(mux)
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func decodeInfo(t *testing.T, rr *httptest.ResponseRecorder) Info {
	t.Helper()
	var info Info
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	return info
}

func TestUploadStoresBody(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPut, "http://open.test/upload?file=hello.txt", "hello world")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	info := decodeInfo(t, rr)
	assert.True(t, strings.HasSuffix(info.Path, "/hello.txt"))
	assert.Len(t, strings.Split(info.Path, "/"), 17)
	assert.EqualValues(t, 11, info.Bytes)
	assert.Contains(t, info.ContentType, "text/plain")
	assert.Empty(t, info.Geometry)

	size, err := f.store.Size(cache.NewKey("open.test", info.Path))
	require.NoError(t, err)
	assert.EqualValues(t, 11, size)
	assert.Equal(t, []string{info.Path}, f.replicate.created)
}

func TestUploadIsReservedBeforeItIsCached(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPut, "http://open.test/upload?file=hello.txt", "hello world")
	require.Equal(t, http.StatusOK, rr.Code)

	info := decodeInfo(t, rr)
	assert.Equal(t, []reservation{{relpath: info.Path, cached: false}}, f.replicate.reserved)
	assert.Equal(t, []string{info.Path}, f.replicate.created)
}

func TestUploadEmptyBodyFails(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "http://open.test/upload?file=empty.bin", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "Local file failed", rr.Header().Get("X-Exception"))
	assert.Zero(t, f.store.Len())
	// the reserved marker is handed back to the queue, which drops it
	require.Len(t, f.replicate.reserved, 1)
	assert.Equal(t, []string{f.replicate.reserved[0].relpath}, f.replicate.created)
}

func TestUploadDataURI(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPut, "http://open.test/upload?file=note.txt", "data:text/plain;base64,aGVsbG8=")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 5, decodeInfo(t, rr).Bytes)
}

func TestUploadMethods(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(http.MethodOptions, "http://open.test/upload", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "http://open.test/upload", "").Code)
}

func TestUploadRequiresSignature(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPut, "http://secure.test/upload?file=a.txt", "abc")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Authorization failed", rr.Header().Get("X-Exception"))

	expired := auth.Sign("topsecret", "u1", time.Now().Add(-time.Minute)).Query()
	rr = f.do(http.MethodPut, "http://secure.test/upload?file=a.txt&"+expired.Encode(), "abc")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	q := auth.Sign("topsecret", "u1", time.Now().Add(time.Hour)).Query()
	q.Set("file", "a.txt")
	rr = f.do(http.MethodPut, "http://secure.test/upload?"+q.Encode(), "abc")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, f.replicate.created, 1)
}

func TestDeleteAndBackup(t *testing.T) {
	f := newFixture(t)
	info := decodeInfo(t, f.do(http.MethodPut, "http://open.test/upload?file=x.txt", "payload"))
	key := cache.NewKey("open.test", info.Path)
	_, err := f.store.Write(key.WithVariant("64x64"), strings.NewReader("thumb"))
	require.NoError(t, err)

	q := url.Values{"paths": {info.Path + "\n/missing/y.txt\n"}}
	rr := f.do(http.MethodDelete, "http://open.test/delete?"+q.Encode(), "")
	require.Equal(t, http.StatusOK, rr.Code)

	_, err = f.store.Size(key)
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = f.store.Size(key.WithVariant("64x64"))
	assert.ErrorIs(t, err, cache.ErrNotFound)
	assert.Equal(t, []string{info.Path, "missing/y.txt"}, f.replicate.deleted)

	rr = f.do(http.MethodPost, "http://open.test/backup?"+q.Encode(), "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{info.Path, "missing/y.txt"}, f.replicate.backedUp)

	rr = f.do(http.MethodDelete, "http://secure.test/delete?"+q.Encode(), "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestUploadURL(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/moved" {
			http.Redirect(w, r, "/files/report.csv", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte("a,b\n1,2\n"))
	}))
	defer src.Close()

	f := newFixture(t)
	rr := f.do(http.MethodPost, "http://open.test/upload_url?url="+url.QueryEscape(src.URL+"/moved"), "")
	require.Equal(t, http.StatusOK, rr.Code)
	info := decodeInfo(t, rr)
	assert.True(t, strings.HasSuffix(info.Path, "/moved"))
	assert.EqualValues(t, 8, info.Bytes)

	rr = f.do(http.MethodPost, "http://open.test/upload_url?file=n.txt&url="+url.QueryEscape("data:,hi%20there"), "")
	require.Equal(t, http.StatusOK, rr.Code)
	info = decodeInfo(t, rr)
	assert.True(t, strings.HasSuffix(info.Path, "/n.txt"))
	assert.EqualValues(t, 8, info.Bytes)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "http://open.test/upload_url", "").Code)
	assert.Equal(t, http.StatusBadGateway,
		f.do(http.MethodPost, "http://open.test/upload_url?url="+url.QueryEscape("ftp://x/y"), "").Code)
}

func TestFetchDataFilename(t *testing.T) {
	remote, err := NewFetcher("", t.TempDir()).Fetch(context.Background(), "data:image/svg+xml,%3Csvg%2F%3E")
	require.NoError(t, err)
	defer remote.Body.Close()
	assert.Equal(t, "data.image.svg.xml", remote.Filename)
}

func TestParseDataURI(t *testing.T) {
	data, mediaType, err := parseDataURI("data:,A%20brief%20note")
	require.NoError(t, err)
	assert.Equal(t, "A brief note", string(data))
	assert.Equal(t, "text/plain", mediaType)

	_, _, err = parseDataURI("data:image/png;base64,***")
	assert.Error(t, err)
	_, _, err = parseDataURI("nope")
	assert.Error(t, err)
}

func TestSanitizeAndRelpath(t *testing.T) {
	assert.Equal(t, "a_b_c_", Sanitize("a/b\\c%"))
	assert.Equal(t, "file", Sanitize(".."))
	assert.Equal(t, "file", Sanitize(""))

	a, b := GenerateRelpath("x.png"), GenerateRelpath("x.png")
	assert.NotEqual(t, a, b)
	parts := strings.Split(a, "/")
	require.Len(t, parts, 17)
	for _, p := range parts[:16] {
		assert.Len(t, p, 2)
	}
}
