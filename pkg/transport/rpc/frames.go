package rpc

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"zonelink/pkg/federation"
	"zonelink/pkg/storage"
	"zonelink/pkg/types"

	"google.golang.org/protobuf/types/known/structpb"
)

// Frames are protobuf well-known types, so no generated code is needed:
// headers and results travel as structpb.Struct, object data as
// wrapperspb.BytesValue.

const (
	fieldBucket   = "bucket"
	fieldKey      = "key"
	fieldSize     = "size"
	fieldParams   = "params"
	fieldAttrs    = "attrs"
	fieldETag     = "etag"
	fieldMtime    = "mtime"
	fieldMethod   = "method"
	fieldResource = "resource"
	fieldQuery    = "query"
	fieldHeader   = "header"
	fieldStatus   = "status"

	// fieldBodyDigest binds a forwarded body to the signed request frame
	fieldBodyDigest = "body-digest"
)

// encodeSize sends sizes as decimal strings; a structpb number is a
// float64 and loses precision above 2^53.
func encodeSize(size int64) string {
	return strconv.FormatInt(size, 10)
}

func decodeSize(v *structpb.Value) (int64, error) {
	size, err := strconv.ParseInt(v.GetStringValue(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q", v.GetStringValue())
	}
	if size < 0 {
		return 0, fmt.Errorf("negative size %d", size)
	}
	return size, nil
}

func bodyDigest(body []byte) string {
	return storage.ComputeETag(body)
}

// encodeParams keeps parameter order by using a list of [key, value] pairs
func encodeParams(params federation.Params) []interface{} {
	out := make([]interface{}, 0, len(params))
	for _, p := range params {
		out = append(out, []interface{}{p.Key, p.Value})
	}
	return out
}

func decodeParams(v *structpb.Value) federation.Params {
	var params federation.Params
	for _, item := range v.GetListValue().GetValues() {
		pair := item.GetListValue().GetValues()
		if len(pair) != 2 {
			continue
		}
		params = append(params, federation.Param{Key: pair[0].GetStringValue(), Value: pair[1].GetStringValue()})
	}
	return params
}

func encodeAttrs(attrs types.Attrs) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = base64.StdEncoding.EncodeToString(v)
	}
	return out
}

func decodeAttrs(v *structpb.Value) (types.Attrs, error) {
	attrs := make(types.Attrs)
	for k, field := range v.GetStructValue().GetFields() {
		b, err := base64.StdEncoding.DecodeString(field.GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		attrs[k] = b
	}
	return attrs, nil
}

func encodeStrings(m map[string][]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, values := range m {
		list := make([]interface{}, 0, len(values))
		for _, v := range values {
			list = append(list, v)
		}
		out[k] = list
	}
	return out
}

func decodeStrings(v *structpb.Value) map[string][]string {
	out := make(map[string][]string)
	for k, field := range v.GetStructValue().GetFields() {
		for _, item := range field.GetListValue().GetValues() {
			out[k] = append(out[k], item.GetStringValue())
		}
	}
	return out
}

func objectFrame(obj types.ObjectID, params federation.Params, extra map[string]interface{}) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		fieldBucket: obj.Bucket,
		fieldKey:    obj.Key,
		fieldParams: encodeParams(params),
	}
	for k, v := range extra {
		fields[k] = v
	}
	return structpb.NewStruct(fields)
}

func objectFromFrame(s *structpb.Struct) types.ObjectID {
	return types.ObjectID{
		Bucket: s.GetFields()[fieldBucket].GetStringValue(),
		Key:    s.GetFields()[fieldKey].GetStringValue(),
	}
}

func resultFrame(etag string, mtime time.Time, attrs types.Attrs) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		fieldETag:  etag,
		fieldMtime: mtime.UTC().Format(time.RFC3339Nano),
	}
	if attrs != nil {
		fields[fieldAttrs] = encodeAttrs(attrs)
	}
	return structpb.NewStruct(fields)
}

func resultFromFrame(s *structpb.Struct) (federation.TransferResult, error) {
	fields := s.GetFields()
	res := federation.TransferResult{
		ETag: fields[fieldETag].GetStringValue(),
	}
	if v := fields[fieldMtime].GetStringValue(); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return res, fmt.Errorf("bad mtime %q: %w", v, err)
		}
		res.LastModified = t
	}
	if v, ok := fields[fieldAttrs]; ok {
		attrs, err := decodeAttrs(v)
		if err != nil {
			return res, err
		}
		res.Attrs = make(map[string]string, len(attrs))
		for k, a := range attrs {
			res.Attrs[k] = string(a)
		}
	}
	return res, nil
}
