// Package tus implements resumable uploads following the tus 1.0.0 core
// protocol.
//
// An upload session is nothing but its cache entry: the current offset is
// the entry's size, and the declared length travels in the session URL.
// Upload-Length, Upload-Offset and Upload-Metadata are also accepted under
// their pre-1.0 names Entity-Length, Offset and Metadata.
package tus

import (
	"encoding/base64"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/stowaway/service/internal/vhost"
)

// Version is the protocol version spoken and required.
const Version = "1.0.0"

// OffsetContentType is the media type every PATCH body must declare.
const OffsetContentType = "application/offset+octet-stream"

// ErrBadRequest is returned when protocol headers do not validate.
var ErrBadRequest = errors.New("bad tus request")

var (
	lengthKeys   = []string{"Upload-Length", "Entity-Length"}
	offsetKeys   = []string{"Upload-Offset", "Offset"}
	metadataKeys = []string{"Upload-Metadata", "Metadata"}
)

func headerValue(h http.Header, keys []string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// parseCount parses a non-negative decimal integer.
func parseCount(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(ErrBadRequest, "not a byte count: %q", s)
	}
	return n, nil
}

var metadataSep = regexp.MustCompile(`[, ]+`)

// parseMetadata decodes "key b64value,key b64value". Pairs that do not
// decode are skipped.
func parseMetadata(h http.Header) map[string]string {
	out := map[string]string{}
	raw := strings.TrimSpace(headerValue(h, metadataKeys))
	if raw == "" {
		return out
	}
	fields := metadataSep.Split(raw, -1)
	for i := 0; i+1 < len(fields); i += 2 {
		v, err := base64.StdEncoding.DecodeString(fields[i+1])
		if err != nil {
			continue
		}
		out[fields[i]] = string(v)
	}
	return out
}

// setHeaders writes the tenant's CORS headers with the tus values appended,
// plus the current offset under both header names when offset >= 0.
func setHeaders(w http.ResponseWriter, vh *vhost.VHost, offset int64) {
	h := w.Header()
	vh.SetCORS(h)
	appendHeader(h, "Access-Control-Allow-Methods", "PATCH")
	appendHeader(h, "Access-Control-Allow-Headers",
		"Tus-Resumable, "+strings.Join(lengthKeys, ", ")+", "+strings.Join(metadataKeys, ", ")+", "+strings.Join(offsetKeys, ", "))
	appendHeader(h, "Access-Control-Expose-Headers", "Location, "+strings.Join(offsetKeys, ", "))
	h.Set("Tus-Resumable", Version)
	if offset >= 0 {
		for _, k := range offsetKeys {
			appendHeader(h, k, strconv.FormatInt(offset, 10))
		}
	}
}

func appendHeader(h http.Header, key, value string) {
	if cur := h.Get(key); cur != "" {
		h.Set(key, cur+", "+value)
		return
	}
	h.Set(key, value)
}
