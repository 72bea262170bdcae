package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"zonelink/pkg/auth"
	"zonelink/pkg/federation"
	"zonelink/pkg/storage"
	"zonelink/pkg/types"

	"go.uber.org/zap"
)

// Server serves a zone's objects to its peers over HTTP. Every request must
// be signed with a known system key and carry the uid and region
// parameters.
type Server struct {
	store    storage.ObjectStore
	verifier *auth.Verifier
	logger   *zap.Logger
	metrics  *federation.Metrics
}

func NewServer(store storage.ObjectStore, keys auth.KeyStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:    store,
		verifier: auth.NewVerifier(keys, logger),
		logger:   logger,
	}
}

// SetMetrics counts served requests in m
func (s *Server) SetMetrics(m *federation.Metrics) {
	s.metrics = m
}

// Handler returns the signed peer API
func (s *Server) Handler() http.Handler {
	return s.instrument(s.verifier.Middleware(s.Routes()))
}

// Routes returns the peer API without signature checks, for callers that
// have already authenticated the request.
func (s *Server) Routes() http.Handler {
	return http.HandlerFunc(s.route)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordPeerRequest("http", r.Method, strconv.Itoa(rec.status))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uid, region := q.Get(federation.ParamUID), q.Get(federation.ParamRegion)
	if uid == "" || region == "" {
		http.Error(w, "missing system parameters", http.StatusBadRequest)
		return
	}

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket == "" {
		http.Error(w, "missing bucket", http.StatusBadRequest)
		return
	}

	s.logger.Debug("Peer request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("uid", uid),
		zap.String("region", region))

	if key == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.listBucket(w, r, bucket)
		return
	}

	id := types.ObjectID{Bucket: bucket, Key: key}
	switch r.Method {
	case http.MethodPut:
		s.putObject(w, r, id)
	case http.MethodGet, http.MethodHead:
		s.getObject(w, r, id, q.Get(federation.ParamPrependMetadata) != "")
	case http.MethodDelete:
		s.deleteObject(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request, id types.ObjectID) {
	attrs, err := attrsFromHeaders(r.Header)
	if err != nil {
		http.Error(w, "bad attribute header", http.StatusBadRequest)
		return
	}

	obj, err := s.store.Put(r.Context(), id, r.Body, attrs)
	if err != nil {
		s.writeStoreError(w, id, err)
		return
	}

	w.Header().Set("ETag", quoteETag(obj.ETag))
	setTimeHeaders(w.Header(), obj.Modified)
	w.WriteHeader(http.StatusOK)

	s.logger.Info("Stored replicated object",
		zap.String("object", id.String()),
		zap.Int64("size", obj.Size()),
		zap.String("etag", obj.ETag))
}

func (s *Server) getObject(w http.ResponseWriter, r *http.Request, id types.ObjectID, prependMetadata bool) {
	obj, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, id, err)
		return
	}

	h := w.Header()
	h.Set("ETag", quoteETag(obj.ETag))
	setTimeHeaders(h, obj.Modified)
	setAttrHeaders(h, obj.Attrs)

	var meta []byte
	if prependMetadata {
		embedded := make(map[string]string, len(obj.Attrs))
		for k, v := range obj.Attrs {
			embedded[k] = string(v)
		}
		meta, err = json.Marshal(embedded)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.Set(EmbeddedMetadataLenHeader, strconv.Itoa(len(meta)))
	}
	h.Set("Content-Length", strconv.FormatInt(int64(len(meta))+obj.Size(), 10))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if len(meta) > 0 {
		if _, err := w.Write(meta); err != nil {
			return
		}
	}
	if _, err := w.Write(obj.Data); err != nil {
		s.logger.Debug("Peer went away during download",
			zap.String("object", id.String()),
			zap.Error(err))
	}
}

func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request, id types.ObjectID) {
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeStoreError(w, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	ids, err := s.store.List(r.Context(), bucket)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	listing := types.BucketListing{Bucket: bucket, Keys: make([]string, 0, len(ids))}
	for _, id := range ids {
		listing.Keys = append(listing.Keys, id.Key)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listing)
}

func (s *Server) writeStoreError(w http.ResponseWriter, id types.ObjectID, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrInvalidObject):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("Object store failure",
			zap.String("object", id.String()),
			zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
