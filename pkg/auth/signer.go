package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// AuthScheme prefixes the Authorization header value
	AuthScheme = "ZL"

	DateHeader = "X-Zl-Date"

	// MaxClockSkew bounds how old or how far in the future a signature may be
	MaxClockSkew = 15 * time.Minute
)

// StringToSign builds the canonical string covered by a signature.
// url.Values.Encode sorts by key so parameter order does not matter here.
func StringToSign(method, path string, query url.Values, date string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(date)
	b.WriteByte('\n')
	if len(query) > 0 {
		b.WriteString(query.Encode())
	}
	return b.String()
}

// Sign computes the base64 HMAC-SHA256 of s with the key's secret
func Sign(key SigningKey, s string) string {
	mac := hmac.New(sha256.New, []byte(key.SecretKey))
	mac.Write([]byte(s))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignRequest stamps the date header and the Authorization header onto req
func SignRequest(req *http.Request, key SigningKey, now time.Time) {
	date := now.UTC().Format(http.TimeFormat)
	req.Header.Set(DateHeader, date)

	sig := Sign(key, StringToSign(req.Method, req.URL.EscapedPath(), req.URL.Query(), date))
	req.Header.Set("Authorization", fmt.Sprintf("%s %s:%s", AuthScheme, key.AccessKey, sig))
}

// VerifyRequest checks the signature of an incoming request
func VerifyRequest(req *http.Request, keys KeyStore, now time.Time) (*Identity, error) {
	header := req.Header.Get("Authorization")
	scheme, cred, ok := strings.Cut(header, " ")
	if !ok || scheme != AuthScheme {
		return nil, fmt.Errorf("%w: missing or malformed authorization header", ErrUnauthorized)
	}
	accessKey, sig, ok := strings.Cut(cred, ":")
	if !ok || accessKey == "" || sig == "" {
		return nil, fmt.Errorf("%w: malformed credential", ErrUnauthorized)
	}

	date := req.Header.Get(DateHeader)
	if err := checkDate(date, now); err != nil {
		return nil, err
	}

	key, err := keys.Lookup(accessKey)
	if err != nil {
		return nil, err
	}

	expected := Sign(key, StringToSign(req.Method, req.URL.EscapedPath(), req.URL.Query(), date))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return nil, ErrBadSignature
	}

	return &Identity{AccessKey: accessKey}, nil
}

func checkDate(date string, now time.Time) error {
	if date == "" {
		return fmt.Errorf("%w: missing %s", ErrUnauthorized, DateHeader)
	}
	t, err := http.ParseTime(date)
	if err != nil {
		return fmt.Errorf("%w: bad date %q", ErrUnauthorized, date)
	}
	skew := now.Sub(t)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return ErrSignatureExpired
	}
	return nil
}
