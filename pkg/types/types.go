package types

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

type ZoneName string
type UserID string

// ObjectID identifies an object within a zone
type ObjectID struct {
	Bucket string
	Key    string
}

// ParseObjectID parses "bucket/key" into an ObjectID
func ParseObjectID(s string) (ObjectID, error) {
	s = strings.TrimPrefix(s, "/")
	bucket, key, ok := strings.Cut(s, "/")
	if !ok || bucket == "" || key == "" {
		return ObjectID{}, fmt.Errorf("invalid object id %q: expected bucket/key", s)
	}
	return ObjectID{Bucket: bucket, Key: key}, nil
}

func (o ObjectID) String() string {
	return o.Bucket + "/" + o.Key
}

// Path returns the unescaped resource path of the object, /bucket/key
func (o ObjectID) Path() string {
	return "/" + o.Bucket + "/" + o.Key
}

func (o ObjectID) IsZero() bool {
	return o.Bucket == "" && o.Key == ""
}

// Attrs are the attributes stored alongside an object
type Attrs map[string][]byte

// Keys returns the attribute names in sorted order
func (a Attrs) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of the attributes
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// RequestInfo describes a client request that is relayed to another zone
type RequestInfo struct {
	Method   string
	Resource string // path relative to the endpoint, e.g. /bucket/key
	Query    url.Values
	Header   http.Header
}

// Object is a stored object together with its metadata
type Object struct {
	ID       ObjectID
	Data     []byte
	Attrs    Attrs
	ETag     string
	Modified time.Time
}

func (o *Object) Size() int64 {
	return int64(len(o.Data))
}

// BucketListing is a peer's answer to a GET on a bucket
type BucketListing struct {
	Bucket string   `json:"bucket"`
	Keys   []string `json:"keys"`
}
