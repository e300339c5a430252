// Package auth checks request signatures and issues the tokens that
// authorise transform chains.
//
// A request is signed with three query parameters: uuid, expiration (unix
// seconds) and hmac = hex(HMAC-SHA1(secret, uuid + expiration)). A transform
// chain is carried as an HS256 JWT bound to the relative path it applies to.
package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrUnauthorized is returned for missing, expired or forged signatures.
var ErrUnauthorized = errors.New("authorization failed")

// Params are the signature fields of a request.
type Params struct {
	UUID       string
	Expiration string
	HMAC       string
}

// ParamsFrom extracts the signature fields from query values.
func ParamsFrom(q url.Values) Params {
	return Params{UUID: q.Get("uuid"), Expiration: q.Get("expiration"), HMAC: q.Get("hmac")}
}

// Digest returns hex(HMAC-SHA1(secret, uuid + expiration)).
func Digest(secret, uuid, expiration string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(uuid + expiration))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign returns signature params for uuid valid until expires.
func Sign(secret, uuid string, expires time.Time) Params {
	exp := strconv.FormatInt(expires.Unix(), 10)
	return Params{UUID: uuid, Expiration: exp, HMAC: Digest(secret, uuid, exp)}
}

// Query encodes p as query values.
func (p Params) Query() url.Values {
	return url.Values{"uuid": {p.UUID}, "expiration": {p.Expiration}, "hmac": {p.HMAC}}
}

// Verify checks p against secret at time now.
func Verify(secret string, p Params, now time.Time) error {
	if p.UUID == "" || p.Expiration == "" || p.HMAC == "" {
		return ErrUnauthorized
	}
	exp, err := strconv.ParseInt(p.Expiration, 10, 64)
	if err != nil || !time.Unix(exp, 0).After(now) {
		return ErrUnauthorized
	}
	want := Digest(secret, p.UUID, p.Expiration)
	if !hmac.Equal([]byte(p.HMAC), []byte(want)) {
		return ErrUnauthorized
	}
	return nil
}

// chainClaims binds a transform chain to one relative path.
type chainClaims struct {
	Ops string `json:"ops"`
	jwt.RegisteredClaims
}

// SignChain issues a token authorising chain on relpath for ttl. A zero ttl
// issues a token that never expires.
func SignChain(secret, relpath, chain string, ttl time.Duration) (string, error) {
	claims := chainClaims{
		Ops: chain,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  relpath,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", errors.Wrap(err, "sign transform chain")
	}
	return signed, nil
}

// ParseChain returns the chain authorised by token for relpath. Tenants
// without a secret accept unsigned tokens, since they accept unsigned
// requests too.
func ParseChain(secret, token, relpath string) (string, error) {
	var claims chainClaims
	if secret == "" {
		if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
			return "", ErrUnauthorized
		}
	} else {
		parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !parsed.Valid {
			return "", ErrUnauthorized
		}
	}
	if claims.Subject != relpath || claims.Ops == "" {
		return "", ErrUnauthorized
	}
	return claims.Ops, nil
}

// LooksLikeToken reports whether s has the three-segment shape of a JWT.
func LooksLikeToken(s string) bool {
	return strings.Count(s, ".") == 2 && len(s) > 20
}
