package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"zonelink/pkg/auth"
	"zonelink/pkg/federation"
	"zonelink/pkg/types"

	"go.uber.org/zap"
)

const (
	// DefaultChunkSize is the read size used to feed download sinks
	DefaultChunkSize = 64 * 1024

	// maxErrorBody bounds how much of an error response is kept for the message
	maxErrorBody = 4 * 1024
)

var (
	errMissingHost  = errors.New("endpoint must include scheme and host")
	errReleased     = errors.New("transfer stream released")
	errMissingETag  = errors.New("response has no ETag")
	errResponseSize = errors.New("response exceeds size limit")
)

// Transport is a federation.RestTransport over HTTP(S)
type Transport struct {
	client    *http.Client
	logger    *zap.Logger
	chunkSize int
	now       func() time.Time
}

// NewTransport creates an HTTP transport. A nil client uses a dedicated
// http.Client without a global timeout, since transfers may be long;
// deadlines come from the caller's context.
func NewTransport(client *http.Client, logger *zap.Logger) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		client:    client,
		logger:    logger,
		chunkSize: DefaultChunkSize,
		now:       time.Now,
	}
}

// SetChunkSize changes the buffer size used when feeding download sinks
func (t *Transport) SetChunkSize(n int) {
	if n > 0 {
		t.chunkSize = n
	}
}

func (t *Transport) newRequest(ctx context.Context, method, endpoint, resource string, info *types.RequestInfo,
	params federation.Params, body io.Reader) (*http.Request, error) {
	var query map[string][]string
	if info != nil {
		query = info.Query
	}
	u, err := buildURL(endpoint, resource, query, params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if info != nil {
		for k, values := range info.Header {
			if k == "Authorization" || k == auth.DateHeader {
				continue
			}
			for _, v := range values {
				req.Header.Add(k, v)
			}
		}
	}
	return req, nil
}

// Replay relays a request to endpoint and returns its body
func (t *Transport) Replay(ctx context.Context, endpoint string, key auth.SigningKey, info types.RequestInfo,
	params federation.Params, maxResponse int64, body []byte) ([]byte, error) {
	req, err := t.newRequest(ctx, info.Method, endpoint, info.Resource, &info, params, bytes.NewReader(body))
	if err != nil {
		return nil, &federation.TransportError{Endpoint: endpoint, Op: "forward", Err: err}
	}
	auth.SignRequest(req, key, t.now())

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &federation.TransportError{Endpoint: endpoint, Op: "forward", Err: err}
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, endpoint, "forward"); err != nil {
		return nil, err
	}

	out, err := io.ReadAll(io.LimitReader(resp.Body, readLimit(maxResponse)))
	if err != nil {
		return nil, &federation.TransportError{Endpoint: endpoint, Op: "forward", StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(out)) > maxResponse {
		return nil, &federation.ProtocolError{
			Endpoint: endpoint,
			Op:       "forward",
			Reason:   fmt.Sprintf("response exceeds %d bytes", maxResponse),
			Err:      errResponseSize,
		}
	}

	t.logger.Debug("Forwarded request",
		zap.String("endpoint", endpoint),
		zap.String("method", info.Method),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(out)))

	return out, nil
}

// readLimit is one past maxResponse so an oversized body can be told apart
// from one that fits exactly. A negative maxResponse accepts no bytes.
func readLimit(maxResponse int64) int64 {
	if maxResponse < 0 {
		return 1
	}
	if maxResponse == math.MaxInt64 {
		return maxResponse
	}
	return maxResponse + 1
}

func checkStatus(resp *http.Response, endpoint, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &federation.TransportError{
		Endpoint:   endpoint,
		Op:         op,
		StatusCode: resp.StatusCode,
		Err:        fmt.Errorf("%s: %s", http.StatusText(resp.StatusCode), bytes.TrimSpace(msg)),
	}
}

type roundTrip struct {
	resp *http.Response
	err  error
}

// upload streams the request body through a pipe while the request runs
type upload struct {
	endpoint  string
	pw        *io.PipeWriter
	cancel    context.CancelFunc
	done      chan roundTrip
	resp      *http.Response
	finalized bool
}

// OpenUpload starts a chunked PUT of obj to endpoint
func (t *Transport) OpenUpload(ctx context.Context, endpoint string, key auth.SigningKey, obj types.ObjectID,
	size int64, attrs types.Attrs, params federation.Params) (federation.UploadStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	req, err := t.newRequest(ctx, http.MethodPut, endpoint, obj.Path(), nil, params, pr)
	if err != nil {
		cancel()
		return nil, &federation.TransportError{Endpoint: endpoint, Op: "send", Err: err}
	}
	req.ContentLength = size
	if size == 0 {
		// a zero length with a non-nil body means "unknown" to net/http
		req.Body = http.NoBody
		pw.Close()
	}
	setAttrHeaders(req.Header, attrs)
	auth.SignRequest(req, key, t.now())

	u := &upload{
		endpoint: endpoint,
		pw:       pw,
		cancel:   cancel,
		done:     make(chan roundTrip, 1),
	}
	go func() {
		resp, err := t.client.Do(req)
		if err != nil {
			pr.CloseWithError(err)
		} else if resp.StatusCode >= 300 {
			// unblock writers when the peer rejects the upload early
			pr.CloseWithError(fmt.Errorf("peer answered %s", resp.Status))
		}
		u.done <- roundTrip{resp: resp, err: err}
	}()

	return u, nil
}

func (u *upload) Write(p []byte) (int, error) {
	n, err := u.pw.Write(p)
	if err != nil {
		return n, &federation.TransportError{Endpoint: u.endpoint, Op: "send", Err: err}
	}
	return n, nil
}

func (u *upload) Finalize() (federation.TransferResult, error) {
	u.pw.Close()
	rt := <-u.done
	u.finalized = true
	if rt.err != nil {
		return federation.TransferResult{}, &federation.TransportError{Endpoint: u.endpoint, Op: "send", Err: rt.err}
	}
	u.resp = rt.resp

	if err := checkStatus(rt.resp, u.endpoint, "send"); err != nil {
		return federation.TransferResult{}, err
	}

	etag := unquoteETag(rt.resp.Header.Get("ETag"))
	if etag == "" {
		return federation.TransferResult{}, &federation.ProtocolError{
			Endpoint: u.endpoint,
			Op:       "send",
			Reason:   "missing ETag",
			Err:      errMissingETag,
		}
	}
	return federation.TransferResult{
		ETag:         etag,
		LastModified: parseMtime(rt.resp.Header),
	}, nil
}

func (u *upload) Release() error {
	u.pw.CloseWithError(errReleased)
	u.cancel()
	if !u.finalized {
		rt := <-u.done
		u.finalized = true
		u.resp = rt.resp
	}
	if u.resp != nil {
		io.Copy(io.Discard, io.LimitReader(u.resp.Body, maxErrorBody))
		return u.resp.Body.Close()
	}
	return nil
}

// download pumps a GET response body into a sink in the background
type download struct {
	endpoint string
	resp     *http.Response
	cancel   context.CancelFunc
	done     chan error
	result   federation.TransferResult
	waited   bool
	err      error
}

// OpenDownload issues a GET for obj and feeds the body to sink as it arrives
func (t *Transport) OpenDownload(ctx context.Context, endpoint string, key auth.SigningKey, obj types.ObjectID,
	params federation.Params, sink federation.DataSink) (federation.DownloadStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := t.newRequest(ctx, http.MethodGet, endpoint, obj.Path(), nil, params, nil)
	if err != nil {
		cancel()
		return nil, &federation.TransportError{Endpoint: endpoint, Op: "receive", Err: err}
	}
	auth.SignRequest(req, key, t.now())

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return nil, &federation.TransportError{Endpoint: endpoint, Op: "receive", Err: err}
	}
	if err := checkStatus(resp, endpoint, "receive"); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	attrs, err := attrsFromHeaders(resp.Header)
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, &federation.ProtocolError{Endpoint: endpoint, Op: "receive", Reason: "bad attribute header", Err: err}
	}

	metaLen := int64(-1)
	if v := resp.Header.Get(EmbeddedMetadataLenHeader); v != "" {
		metaLen, err = strconv.ParseInt(v, 10, 64)
		if err != nil || metaLen < 0 {
			resp.Body.Close()
			cancel()
			return nil, &federation.ProtocolError{Endpoint: endpoint, Op: "receive", Reason: "bad embedded metadata length " + strconv.Quote(v), Err: err}
		}
	}

	d := &download{
		endpoint: endpoint,
		resp:     resp,
		cancel:   cancel,
		done:     make(chan error, 1),
		result: federation.TransferResult{
			ETag:         unquoteETag(resp.Header.Get("ETag")),
			LastModified: parseMtime(resp.Header),
			Attrs:        make(map[string]string, len(attrs)),
		},
	}
	for k, v := range attrs {
		d.result.Attrs[k] = string(v)
	}

	go func() {
		d.done <- d.pump(metaLen, sink, t.chunkSize)
	}()

	return d, nil
}

func (d *download) pump(metaLen int64, sink federation.DataSink, chunkSize int) error {
	body := d.resp.Body

	if metaLen >= 0 {
		meta := make([]byte, metaLen)
		if _, err := io.ReadFull(body, meta); err != nil {
			return &federation.TransportError{Endpoint: d.endpoint, Op: "receive", Err: err}
		}
		var embedded map[string]string
		if err := json.Unmarshal(meta, &embedded); err != nil {
			return &federation.ProtocolError{Endpoint: d.endpoint, Op: "receive", Reason: "bad embedded metadata", Err: err}
		}
		// the embedded block is authoritative over the attribute headers
		if embedded == nil {
			embedded = make(map[string]string)
		}
		d.result.Attrs = embedded
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if serr := sink.HandleData(buf[:n]); serr != nil {
				return serr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &federation.TransportError{Endpoint: d.endpoint, Op: "receive", Err: err}
		}
	}
}

func (d *download) Finalize() (federation.TransferResult, error) {
	d.wait()
	if d.err != nil {
		return federation.TransferResult{}, d.err
	}
	if d.result.ETag == "" {
		return federation.TransferResult{}, &federation.ProtocolError{
			Endpoint: d.endpoint,
			Op:       "receive",
			Reason:   "missing ETag",
			Err:      errMissingETag,
		}
	}
	return d.result, nil
}

func (d *download) wait() {
	if !d.waited {
		d.err = <-d.done
		d.waited = true
	}
}

func (d *download) Release() error {
	d.cancel()
	err := d.resp.Body.Close()
	d.wait()
	return err
}
