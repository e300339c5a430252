// Package vhost resolves the tenant a request belongs to.
//
// Tenants are keyed by hostname. Their raw definitions are loaded once and
// their object-store clients are built once; every request then receives an
// immutable VHost snapshot carrying everything handlers need.
package vhost

import (
	"context"
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/stowaway/service/internal/storage"
)

// Wildcard is the tenant used for hosts without their own definition.
const Wildcard = "*"

// Backend names accepted as download variants.
const (
	RemoteName = "remote"
	BackupName = "backup"
)

// TenantConfig is one tenant as written in VHOST or VHOST_FILE.
type TenantConfig struct {
	SecretKey       string            `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	RemoteDir       string            `json:"remote_dir,omitempty" yaml:"remote_dir,omitempty"`
	GeometryAlias   map[string]string `json:"geometry_alias,omitempty" yaml:"geometry_alias,omitempty"`
	DownloadHeaders map[string]string `json:"download_headers,omitempty" yaml:"download_headers,omitempty"`
	UploadHeaders   map[string]string `json:"upload_headers,omitempty" yaml:"upload_headers,omitempty"`
	Remote          *storage.Config   `json:"remote,omitempty" yaml:"remote,omitempty"`
	Backup          *storage.Config   `json:"backup,omitempty" yaml:"backup,omitempty"`
}

// Parse reads a host → tenant map. YAML is a superset of JSON, so both the
// inline VHOST value and a VHOST_FILE go through here.
func Parse(data []byte) (map[string]TenantConfig, error) {
	tenants := map[string]TenantConfig{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return tenants, nil
	}
	if err := yaml.Unmarshal(data, &tenants); err != nil {
		return nil, errors.Wrap(err, "parse vhost config")
	}
	return tenants, nil
}

// Opener builds an object store from its configuration.
type Opener func(ctx context.Context, cfg storage.Config) (storage.ObjectStore, error)

type stores struct {
	remote storage.ObjectStore
	backup storage.ObjectStore
}

// Registry holds every tenant definition and its store clients.
type Registry struct {
	tenants map[string]TenantConfig
	stores  map[string]stores
}

// NewRegistry builds the store clients of every tenant. A nil opener uses
// storage.Open.
func NewRegistry(ctx context.Context, tenants map[string]TenantConfig, open Opener) (*Registry, error) {
	if open == nil {
		open = storage.Open
	}
	r := &Registry{
		tenants: make(map[string]TenantConfig, len(tenants)),
		stores:  make(map[string]stores, len(tenants)),
	}
	for host, cfg := range tenants {
		host = strings.ToLower(host)
		var st stores
		var err error
		if cfg.Remote != nil {
			if st.remote, err = open(ctx, *cfg.Remote); err != nil {
				return nil, errors.Wrapf(err, "vhost %q: remote store", host)
			}
		}
		if cfg.Backup != nil {
			if st.backup, err = open(ctx, *cfg.Backup); err != nil {
				return nil, errors.Wrapf(err, "vhost %q: backup store", host)
			}
		}
		r.tenants[host] = cfg
		r.stores[host] = st
		log.WithFields(log.Fields{
			"host":   host,
			"remote": cfg.Remote != nil,
			"backup": cfg.Backup != nil,
			"secret": cfg.SecretKey != "",
		}).Info("vhost: registered")
	}
	return r, nil
}

// AnyRemote reports whether at least one tenant replicates to a remote store.
func (r *Registry) AnyRemote() bool {
	for _, st := range r.stores {
		if st.remote != nil {
			return true
		}
	}
	return false
}

// Lookup returns the snapshot for the tenant named exactly host, without the
// wildcard fallback.
func (r *Registry) Lookup(host string) (*VHost, bool) {
	host = strings.ToLower(host)
	if _, ok := r.tenants[host]; !ok {
		return nil, false
	}
	return r.snapshot(host, host), true
}

// Snapshot returns the tenant for host. Unknown hosts use the wildcard
// tenant when defined and otherwise an empty local-only tenant; the snapshot
// is still named after host so each host keeps its own cache namespace.
func (r *Registry) Snapshot(host string) *VHost {
	host = strings.ToLower(host)
	if host == "" {
		host = "localhost"
	}
	if _, ok := r.tenants[host]; ok {
		return r.snapshot(host, host)
	}
	if _, ok := r.tenants[Wildcard]; ok {
		return r.snapshot(host, Wildcard)
	}
	return r.snapshot(host, "")
}

// ForRequest returns the tenant addressed by req.
func (r *Registry) ForRequest(req *http.Request) *VHost {
	return r.Snapshot(HostOf(req))
}

func (r *Registry) snapshot(name, key string) *VHost {
	cfg := r.tenants[key]
	st := r.stores[key]

	cors := map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "POST, PUT",
		"Access-Control-Allow-Headers": "Content-Type",
	}
	for k, v := range cfg.UploadHeaders {
		cors[http.CanonicalHeaderKey(k)] = v
	}

	return &VHost{
		Name:            name,
		SecretKey:       cfg.SecretKey,
		RemoteDir:       cfg.RemoteDir,
		Remote:          st.remote,
		Backup:          st.backup,
		GeometryAlias:   clone(cfg.GeometryAlias),
		DownloadHeaders: clone(cfg.DownloadHeaders),
		CORSHeaders:     cors,
	}
}

func clone(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// HostOf returns the request host without port, preferring X-Forwarded-Host.
func HostOf(r *http.Request) string {
	host := r.Header.Get("X-Forwarded-Host")
	if i := strings.IndexByte(host, ','); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimSpace(host)
	if host == "" {
		host = r.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

// VHost is the per-request view of one tenant. It must not be mutated.
type VHost struct {
	Name            string
	SecretKey       string
	RemoteDir       string
	Remote          storage.ObjectStore
	Backup          storage.ObjectStore
	GeometryAlias   map[string]string
	DownloadHeaders map[string]string
	CORSHeaders     map[string]string
}

// Secured reports whether requests must carry a valid signature.
func (v *VHost) Secured() bool { return v.SecretKey != "" }

// RemoteKey maps a relative path to its object key in the tenant's stores.
func (v *VHost) RemoteKey(relpath string) string {
	relpath = strings.TrimPrefix(relpath, "/")
	if v.RemoteDir == "" {
		return relpath
	}
	return path.Join(v.RemoteDir, relpath)
}

// Store returns the backend called name ("remote" or "backup").
func (v *VHost) Store(name string) (storage.ObjectStore, bool) {
	switch name {
	case RemoteName:
		return v.Remote, v.Remote != nil
	case BackupName:
		return v.Backup, v.Backup != nil
	}
	return nil, false
}

// Backend is a named store.
type Backend struct {
	Name  string
	Store storage.ObjectStore
}

// Backends lists the configured stores, remote first.
func (v *VHost) Backends() []Backend {
	var out []Backend
	if v.Remote != nil {
		out = append(out, Backend{Name: RemoteName, Store: v.Remote})
	}
	if v.Backup != nil {
		out = append(out, Backend{Name: BackupName, Store: v.Backup})
	}
	return out
}

// SetCORS writes the tenant's CORS headers to h.
func (v *VHost) SetCORS(h http.Header) {
	for k, val := range v.CORSHeaders {
		h.Set(k, val)
	}
}

// SetDownloadHeaders writes the tenant's extra download headers to h.
func (v *VHost) SetDownloadHeaders(h http.Header) {
	for k, val := range v.DownloadHeaders {
		h.Set(k, val)
	}
}

type ctxKey struct{}

// NewContext returns ctx carrying v.
func NewContext(ctx context.Context, v *VHost) context.Context {
	return context.WithValue(ctx, ctxKey{}, v)
}

// FromContext returns the tenant stored by NewContext, or an empty local-only
// tenant when there is none.
func FromContext(ctx context.Context) *VHost {
	if v, ok := ctx.Value(ctxKey{}).(*VHost); ok {
		return v
	}
	return &VHost{CORSHeaders: map[string]string{}}
}
