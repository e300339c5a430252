package upload

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"

	"github.com/cavaliercoder/grab"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stowaway/service/internal/middleware"
	"github.com/stowaway/service/internal/response"
	"github.com/stowaway/service/internal/vhost"
)

// MaxRedirects bounds how many redirects a remote fetch follows.
const MaxRedirects = 30

// Fetcher downloads remote URLs for /upload_url.
type Fetcher struct {
	client *grab.Client
	tmpDir string
}

// NewFetcher returns a fetcher sending userAgent (when non-empty) and
// staging downloads under tmpDir.
func NewFetcher(userAgent, tmpDir string) *Fetcher {
	client := grab.NewClient()
	client.HTTPClient = &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > MaxRedirects {
				return errors.New("too many redirects")
			}
			return nil
		},
	}
	if userAgent != "" {
		client.UserAgent = userAgent
	}
	return &Fetcher{client: client, tmpDir: tmpDir}
}

// Remote is a fetched body staged for storing.
type Remote struct {
	Body     io.ReadCloser
	Filename string
}

var nonWord = regexp.MustCompile(`\W+`)

// Fetch retrieves rawURL. data: URIs are decoded in place; http(s) URLs are
// downloaded with credentials taken from the URL's userinfo.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Remote, error) {
	if data, mediaType, err := parseDataURI(rawURL); err == nil {
		return &Remote{
			Body:     io.NopCloser(bytes.NewReader(data)),
			Filename: "data." + nonWord.ReplaceAllString(mediaType, "."),
		}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.Errorf("unsupported url %q", rawURL)
	}

	dir, err := os.MkdirTemp(f.tmpDir, "upload_url")
	if err != nil {
		return nil, errors.Wrap(err, "create staging dir")
	}
	req, err := grab.NewRequest(filepath.Join(dir, "body"), rawURL)
	if err != nil {
		os.RemoveAll(dir)
		return nil, errors.Wrap(err, "build request")
	}
	req = req.WithContext(ctx)

	log.WithFields(log.Fields{"url": u.Redacted()}).Info("upload_url: fetching")
	resp := f.client.Do(req)
	if err := resp.Err(); err != nil {
		os.RemoveAll(dir)
		return nil, errors.Wrapf(err, "fetch %s", u.Redacted())
	}

	file, err := os.Open(resp.Filename)
	if err != nil {
		os.RemoveAll(dir)
		return nil, errors.Wrap(err, "open staged download")
	}

	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" {
		name = "index"
	}
	return &Remote{Body: &stagedFile{File: file, dir: dir}, Filename: name}, nil
}

// stagedFile removes its staging directory on Close.
type stagedFile struct {
	*os.File
	dir string
}

func (s *stagedFile) Close() error {
	err := s.File.Close()
	os.RemoveAll(s.dir)
	return err
}

// UploadURL godoc
// @Summary      Upload from a URL
// @Description  Fetches url (http, https or data:) and stores it like /upload.
// @Tags         upload
// @Produce      json
// @Param        url   query  string  true   "source URL"
// @Param        file  query  string  false  "filename override"
// @Success      200  {object}  Info
// @Failure      401  "Authorization failed"
// @Failure      500  "Local file failed"
// @Router       /upload_url [post]
func (h *Handler) UploadURL(w http.ResponseWriter, r *http.Request) {
	middleware.RequireSignature(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vh := vhost.FromContext(r.Context())
		src := r.URL.Query().Get("url")
		if src == "" {
			vh.SetCORS(w.Header())
			response.BadRequest(w, "Missing url")
			return
		}
		remote, err := h.fetcher.Fetch(r.Context(), src)
		if err != nil {
			log.WithFields(log.Fields{"referer": r.Referer()}).Warnf("upload_url: %v", err)
			vh.SetCORS(w.Header())
			response.Exception(w, http.StatusBadGateway, "Fetch failed")
			return
		}
		defer remote.Body.Close()

		filename := r.URL.Query().Get("file")
		if filename == "" {
			filename = remote.Filename
		}
		h.store(w, r, filename, remote.Body)
	})).ServeHTTP(w, r)
}
