package upload

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// data:[<mediatype>][;base64],<data> (RFC 2397)
var dataURIPrefix = regexp.MustCompile(`^data:([^;,]*)(;base64)?,`)

// decodeDataURI returns r unchanged unless it starts with a data: URI, in
// which case the decoded payload is returned instead.
func decodeDataURI(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(80)
	if !bytes.HasPrefix(head, []byte("data:")) {
		return br, nil
	}
	all, err := io.ReadAll(br)
	if err != nil {
		return nil, errors.Wrap(err, "read data uri")
	}
	data, _, err := parseDataURI(string(all))
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// parseDataURI decodes a complete data: URI and returns its payload and
// media type, which defaults to text/plain.
func parseDataURI(s string) ([]byte, string, error) {
	m := dataURIPrefix.FindStringSubmatch(s)
	if m == nil {
		return nil, "", errors.New("malformed data uri")
	}
	payload, err := url.PathUnescape(strings.TrimSpace(s[len(m[0]):]))
	if err != nil {
		return nil, "", errors.Wrap(err, "unescape data uri")
	}
	data := []byte(payload)
	if m[2] != "" {
		if data, err = base64.StdEncoding.DecodeString(payload); err != nil {
			return nil, "", errors.Wrap(err, "decode base64 data uri")
		}
	}
	mediaType := m[1]
	if mediaType == "" {
		mediaType = "text/plain"
	}
	return data, mediaType, nil
}
