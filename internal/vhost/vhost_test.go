package vhost_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowaway/service/internal/storage"
	"github.com/stowaway/service/internal/vhost"
)

const config = `
example.com:
  secret_key: s3cret
  remote_dir: uploads
  geometry_alias:
    small: 64x64#
  download_headers:
    Cache-Control: public, max-age=31536000
  upload_headers:
    access-control-allow-origin: https://example.com
  remote:
    kind: memory
  backup:
    kind: memory
"*":
  remote_dir: shared
`

func newRegistry(t *testing.T) *vhost.Registry {
	t.Helper()
	tenants, err := vhost.Parse([]byte(config))
	require.NoError(t, err)
	reg, err := vhost.NewRegistry(context.Background(), tenants, nil)
	require.NoError(t, err)
	return reg
}

func TestSnapshotKnownHost(t *testing.T) {
	reg := newRegistry(t)
	assert.True(t, reg.AnyRemote())

	v := reg.Snapshot("Example.COM")
	assert.Equal(t, "example.com", v.Name)
	assert.True(t, v.Secured())
	assert.Equal(t, "uploads/a/b.png", v.RemoteKey("a/b.png"))
	assert.Equal(t, "64x64#", v.GeometryAlias["small"])
	assert.Equal(t, "https://example.com", v.CORSHeaders["Access-Control-Allow-Origin"])
	assert.Equal(t, "POST, PUT", v.CORSHeaders["Access-Control-Allow-Methods"])

	backends := v.Backends()
	require.Len(t, backends, 2)
	assert.Equal(t, vhost.RemoteName, backends[0].Name)
	assert.Equal(t, vhost.BackupName, backends[1].Name)

	s, ok := v.Store("backup")
	assert.True(t, ok)
	assert.IsType(t, &storage.Memory{}, s)
	_, ok = v.Store("elsewhere")
	assert.False(t, ok)
}

func TestSnapshotsAreIndependent(t *testing.T) {
	reg := newRegistry(t)
	a := reg.Snapshot("example.com")
	a.GeometryAlias["small"] = "1x1"
	b := reg.Snapshot("example.com")
	assert.Equal(t, "64x64#", b.GeometryAlias["small"])
	assert.Same(t, a.Remote, b.Remote, "store clients are shared")
}

func TestUnknownHostUsesWildcard(t *testing.T) {
	reg := newRegistry(t)
	v := reg.Snapshot("other.org")
	assert.Equal(t, "other.org", v.Name)
	assert.Equal(t, "shared/x", v.RemoteKey("x"))
	assert.False(t, v.Secured())
	assert.Empty(t, v.Backends())

	_, ok := reg.Lookup("other.org")
	assert.False(t, ok)
}

func TestUnknownHostWithoutWildcard(t *testing.T) {
	reg, err := vhost.NewRegistry(context.Background(), nil, nil)
	require.NoError(t, err)
	v := reg.Snapshot("anything")
	assert.False(t, v.Secured())
	assert.Equal(t, "x", v.RemoteKey("/x"))
	assert.Equal(t, "*", v.CORSHeaders["Access-Control-Allow-Origin"])
	assert.False(t, reg.AnyRemote())
}

func TestHostOf(t *testing.T) {
	r := httptest.NewRequest("GET", "http://backend:8080/view/x", nil)
	assert.Equal(t, "backend", vhost.HostOf(r))

	r.Header.Set("X-Forwarded-Host", "Example.com:443, proxy.internal")
	assert.Equal(t, "example.com", vhost.HostOf(r))
}

func TestParseJSON(t *testing.T) {
	tenants, err := vhost.Parse([]byte(`{"a.test":{"secret_key":"k","remote":{"kind":"webdav","endpoint":"http://dav"}}}`))
	require.NoError(t, err)
	require.Contains(t, tenants, "a.test")
	assert.Equal(t, "k", tenants["a.test"].SecretKey)
	assert.Equal(t, "webdav", tenants["a.test"].Remote.Kind)

	_, err = vhost.Parse([]byte("not: [valid"))
	assert.Error(t, err)
}

func TestContextRoundTrip(t *testing.T) {
	v := &vhost.VHost{Name: "x"}
	ctx := vhost.NewContext(context.Background(), v)
	assert.Same(t, v, vhost.FromContext(ctx))
	assert.NotNil(t, vhost.FromContext(context.Background()))
}
