package federation

import (
	"context"
	"io"
	"time"

	"zonelink/pkg/auth"
	"zonelink/pkg/types"
)

// RestTransport executes signed calls against a single peer endpoint
type RestTransport interface {
	// Replay relays info to endpoint and returns at most maxResponse bytes
	// of the response body.
	Replay(ctx context.Context, endpoint string, key auth.SigningKey, info types.RequestInfo,
		params Params, maxResponse int64, body []byte) ([]byte, error)

	// OpenUpload starts streaming an object of the given size to endpoint
	OpenUpload(ctx context.Context, endpoint string, key auth.SigningKey, obj types.ObjectID,
		size int64, attrs types.Attrs, params Params) (UploadStream, error)

	// OpenDownload starts streaming an object from endpoint into sink
	OpenDownload(ctx context.Context, endpoint string, key auth.SigningKey, obj types.ObjectID,
		params Params, sink DataSink) (DownloadStream, error)
}

// UploadStream is an open upload. Finalize waits for the peer's answer;
// Release frees the underlying connection and is called exactly once.
type UploadStream interface {
	io.Writer
	Finalize() (TransferResult, error)
	Release() error
}

// DownloadStream is an open download feeding a DataSink. Finalize returns
// after every byte has been handed to the sink.
type DownloadStream interface {
	Finalize() (TransferResult, error)
	Release() error
}

// DataSink consumes the bytes of a download, in order. HandleData may block
// to slow the transfer down. p is only valid for the duration of the call.
type DataSink interface {
	HandleData(p []byte) error
}

// SinkFunc adapts a function to a DataSink
type SinkFunc func(p []byte) error

func (f SinkFunc) HandleData(p []byte) error {
	return f(p)
}

// WriterSink writes received data to an io.Writer
func WriterSink(w io.Writer) DataSink {
	return SinkFunc(func(p []byte) error {
		_, err := w.Write(p)
		return err
	})
}

// TransferResult is what a peer reports once a transfer completes
type TransferResult struct {
	ETag         string
	LastModified time.Time // zero when the peer did not report one
	Attrs        map[string]string
}
