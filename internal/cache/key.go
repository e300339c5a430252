package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// Original is the variant name of an unmodified upload.
const Original = "original"

const variantSuffix = ".variants"

// Key identifies one logical blob: a tenant, a relative path inside that
// tenant's namespace and, for derived renditions, the variant description.
type Key struct {
	Tenant  string
	Path    string
	Variant string
}

// NewKey returns the key of the original blob at relpath.
func NewKey(tenant, relpath string) Key {
	return Key{Tenant: tenant, Path: relpath}
}

// IsOriginal reports whether k names an unmodified upload.
func (k Key) IsOriginal() bool {
	return k.Variant == "" || k.Variant == Original
}

// Original returns the key of the blob k was derived from.
func (k Key) Original() Key {
	return Key{Tenant: k.Tenant, Path: k.Path}
}

// WithVariant returns the key of a rendition of k.
func (k Key) WithVariant(variant string) Key {
	return Key{Tenant: k.Tenant, Path: k.Path, Variant: variant}
}

// String is the slash-separated location of the blob under the cache root.
// Renditions live next to their original in a "<basename>.variants"
// directory, named by a digest of the variant description.
func (k Key) String() string {
	p := path.Join(k.Tenant, k.Path)
	if k.IsOriginal() {
		return p
	}
	sum := sha1.Sum([]byte(k.Variant))
	return path.Join(p+variantSuffix, hex.EncodeToString(sum[:8]))
}

// Validate rejects keys whose tenant or path would leave their namespace.
func (k Key) Validate() error {
	if k.Tenant == "" || k.Tenant == "." || k.Tenant == ".." || strings.ContainsAny(k.Tenant, "/\\") {
		return errors.Errorf("invalid tenant %q", k.Tenant)
	}
	clean := path.Clean("/" + k.Path)
	if k.Path == "" || clean == "/" || clean[1:] != strings.TrimPrefix(k.Path, "/") {
		return errors.Errorf("invalid path %q", k.Path)
	}
	return nil
}

func (k Key) variantDir() string {
	return path.Join(k.Tenant, k.Path) + variantSuffix
}

// SplitName splits a cache name produced by Key.String back into tenant and
// relative path. Variant names are returned with ok == false.
func SplitName(name string) (tenant, relpath string, ok bool) {
	tenant, relpath, found := strings.Cut(name, "/")
	if !found || strings.Contains(relpath, variantSuffix+"/") {
		return "", "", false
	}
	return tenant, relpath, true
}
