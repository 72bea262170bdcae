package rest

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"zonelink/pkg/federation"
	"zonelink/pkg/types"
)

const (
	// AttrHeaderPrefix carries object attributes. The rest of the header
	// name is the attribute name in attrNameEncoding, the value is base64.
	AttrHeaderPrefix = "X-Object-Meta-"

	// MtimeHeader carries the modification time with sub-second precision;
	// Last-Modified is only precise to the second.
	MtimeHeader = "X-Object-Mtime"

	// EmbeddedMetadataLenHeader announces a JSON attribute block of that many
	// bytes ahead of the object data.
	EmbeddedMetadataLenHeader = "X-Embedded-Metadata-Len"
)

// attrNameEncoding survives header canonicalization: its alphabet is digits
// and letters, decoded after upper-casing.
var attrNameEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

func attrHeader(name string) string {
	return AttrHeaderPrefix + attrNameEncoding.EncodeToString([]byte(name))
}

func setAttrHeaders(h http.Header, attrs types.Attrs) {
	for _, k := range attrs.Keys() {
		h.Set(attrHeader(k), base64.StdEncoding.EncodeToString(attrs[k]))
	}
}

// attrsFromHeaders decodes attribute headers, keeping the exact names
func attrsFromHeaders(h http.Header) (types.Attrs, error) {
	attrs := make(types.Attrs)
	for name, values := range h {
		if !strings.HasPrefix(name, AttrHeaderPrefix) || len(values) == 0 {
			continue
		}
		key, err := attrNameEncoding.DecodeString(strings.ToUpper(strings.TrimPrefix(name, AttrHeaderPrefix)))
		if err != nil {
			return nil, fmt.Errorf("attribute header %s: %w", name, err)
		}
		v, err := base64.StdEncoding.DecodeString(values[0])
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", key, err)
		}
		attrs[string(key)] = v
	}
	return attrs, nil
}

func setTimeHeaders(h http.Header, t time.Time) {
	h.Set("Last-Modified", t.UTC().Format(http.TimeFormat))
	h.Set(MtimeHeader, t.UTC().Format(time.RFC3339Nano))
}

func parseMtime(h http.Header) time.Time {
	if v := h.Get(MtimeHeader); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	if v := h.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func quoteETag(etag string) string {
	return `"` + etag + `"`
}

func unquoteETag(v string) string {
	return strings.Trim(v, `"`)
}

// buildURL joins the endpoint's path prefix with resource and appends the
// request's own query followed by the system parameters. Reserved sysx-
// keys in query are dropped.
func buildURL(endpoint, resource string, query url.Values, params federation.Params) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, &url.Error{Op: "parse", URL: endpoint, Err: errMissingHost}
	}

	// keys may contain "..", so no path cleaning
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(resource, "/")
	u.RawPath = ""

	var parts []string
	if query = federation.UserQuery(query); len(query) > 0 {
		parts = append(parts, query.Encode())
	}
	if len(params) > 0 {
		parts = append(parts, params.Encode())
	}
	u.RawQuery = strings.Join(parts, "&")
	return u, nil
}
