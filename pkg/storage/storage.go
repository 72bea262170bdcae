package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"zonelink/pkg/types"

	"github.com/zeebo/blake3"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrInvalidObject = errors.New("invalid object id")
)

// ObjectStore is the zone-local object storage a peer server and the
// replicator read from and write to.
type ObjectStore interface {
	Put(ctx context.Context, id types.ObjectID, r io.Reader, attrs types.Attrs) (*types.Object, error)
	Get(ctx context.Context, id types.ObjectID) (*types.Object, error)
	Delete(ctx context.Context, id types.ObjectID) error
	List(ctx context.Context, bucket string) ([]types.ObjectID, error)
}

// ComputeETag returns the hex BLAKE3-256 digest of data
func ComputeETag(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MemoryStore keeps objects in memory
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[types.ObjectID]*types.Object
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[types.ObjectID]*types.Object),
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, id types.ObjectID, r io.Reader, attrs types.Attrs) (*types.Object, error) {
	if id.Bucket == "" || id.Key == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidObject, id.String())
	}

	hasher := blake3.New()
	data, err := io.ReadAll(io.TeeReader(r, hasher))
	if err != nil {
		return nil, fmt.Errorf("failed to read object data: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	obj := &types.Object{
		ID:       id,
		Data:     data,
		Attrs:    attrs.Clone(),
		ETag:     hex.EncodeToString(hasher.Sum(nil)),
		Modified: s.now(),
	}

	s.mu.Lock()
	s.objects[id] = obj
	s.mu.Unlock()

	return copyObject(obj), nil
}

func (s *MemoryStore) Get(ctx context.Context, id types.ObjectID) (*types.Object, error) {
	s.mu.RLock()
	obj, ok := s.objects[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyObject(obj), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id types.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.objects, id)
	return nil
}

// List returns the objects of bucket sorted by key
func (s *MemoryStore) List(ctx context.Context, bucket string) ([]types.ObjectID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []types.ObjectID
	for id := range s.objects {
		if id.Bucket == bucket {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Key < ids[j].Key })
	return ids, nil
}

func copyObject(o *types.Object) *types.Object {
	return &types.Object{
		ID:       o.ID,
		Data:     append([]byte(nil), o.Data...),
		Attrs:    o.Attrs.Clone(),
		ETag:     o.ETag,
		Modified: o.Modified,
	}
}
