package federation

import (
	"net/url"
	"strings"
)

// SysParamPrefix namespaces query parameters of system-to-system calls so
// peers can tell them apart from ordinary user parameters.
const SysParamPrefix = "sysx-"

const (
	ParamUID             = SysParamPrefix + "uid"
	ParamRegion          = SysParamPrefix + "region"
	ParamPrependMetadata = SysParamPrefix + "prepend-metadata"
)

type Param struct {
	Key   string
	Value string
}

// Params is an ordered list of call parameters
type Params []Param

// Get returns the value of the first parameter named key
func (p Params) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// UserQuery returns a copy of a relayed request's query without the
// reserved system parameters, which only the connector itself may set.
func UserQuery(query url.Values) url.Values {
	out := make(url.Values, len(query))
	for k, v := range query {
		if strings.HasPrefix(strings.ToLower(k), SysParamPrefix) {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Values converts the parameters to url.Values
func (p Params) Values() url.Values {
	v := make(url.Values, len(p))
	for _, kv := range p {
		v.Add(kv.Key, kv.Value)
	}
	return v
}

// Encode renders the parameters as a query string, keeping their order
func (p Params) Encode() string {
	var b strings.Builder
	for i, kv := range p {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(kv.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(kv.Value))
	}
	return b.String()
}

// BuildParams returns the standard parameter set of an outgoing call: the
// acting user and the local zone, followed by any extras.
func (c *PeerConnection) BuildParams(uid string, extra ...Param) Params {
	params := make(Params, 0, 2+len(extra))
	params = append(params,
		Param{Key: ParamUID, Value: uid},
		Param{Key: ParamRegion, Value: c.zone},
	)
	return append(params, extra...)
}
