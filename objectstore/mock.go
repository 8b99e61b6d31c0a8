package objectstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/parquedb/parquedb/perr"
)

// MockStore is an in-memory Store implementation for tests, adapted from
// the teacher's MockS3Client: it tracks call counts and last-call
// parameters the same way, and additionally honors conditional writes
// (IfMatch/IfNoneMatch) and multipart semantics since the shard engine's
// bulk-bypass idempotency and transaction rollback depend on them.
type MockStore struct {
	mu sync.Mutex

	objects map[string]*mockObject
	uploads map[string]*mockUpload

	Err error // when set, every operation fails with this error

	PutCalled    bool
	GetCalled    bool
	HeadCalled   bool
	DeleteCalled bool
	ListCalled   bool

	LastKey string

	nextETag int
}

type mockObject struct {
	data     []byte
	etag     string
	metadata map[string]string
}

type mockUpload struct {
	key   string
	parts map[int32][]byte
}

// NewMockStore creates an empty mock object store.
func NewMockStore() *MockStore {
	return &MockStore{
		objects: make(map[string]*mockObject),
		uploads: make(map[string]*mockUpload),
	}
}

func (m *MockStore) newETag() string {
	m.nextETag++
	return "etag-" + strconv.Itoa(m.nextETag)
}

func (m *MockStore) Put(_ context.Context, key string, data []byte, opts PutOptions) (PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutCalled = true
	m.LastKey = key

	if m.Err != nil {
		return PutResult{}, m.Err
	}

	existing, exists := m.objects[key]
	if opts.IfNoneMatch == "*" && exists {
		return PutResult{}, perr.Conflict("objectstore.Put", "object already exists").WithTarget(key)
	}
	if opts.IfMatch != "" {
		if !exists || existing.etag != opts.IfMatch {
			return PutResult{}, perr.Conflict("objectstore.Put", "etag precondition failed").WithTarget(key)
		}
	}

	etag := m.newETag()
	cp := append([]byte(nil), data...)
	m.objects[key] = &mockObject{data: cp, etag: etag, metadata: opts.Metadata}
	return PutResult{ETag: etag}, nil
}

func (m *MockStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalled = true
	m.LastKey = key

	if m.Err != nil {
		return nil, m.Err
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MockStore) GetRange(_ context.Context, key string, offset, length int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	obj, ok := m.objects[key]
	if !ok {
		return []byte{}, nil
	}
	if offset >= int64(len(obj.data)) {
		return []byte{}, nil
	}
	end := offset + length
	if end > int64(len(obj.data)) {
		end = int64(len(obj.data))
	}
	return append([]byte(nil), obj.data[offset:end]...), nil
}

func (m *MockStore) Head(_ context.Context, key string) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeadCalled = true
	m.LastKey = key

	if m.Err != nil {
		return nil, m.Err
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, nil
	}
	return &ObjectInfo{Size: int64(len(obj.data)), ETag: obj.etag, Metadata: obj.metadata}, nil
}

func (m *MockStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalled = true

	if m.Err != nil {
		return m.Err
	}
	for _, k := range keys {
		delete(m.objects, k)
	}
	return nil
}

func (m *MockStore) List(_ context.Context, opts ListOptions) (ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalled = true

	if m.Err != nil {
		return ListResult{}, m.Err
	}

	var keys []string
	for k := range m.objects {
		if opts.Prefix != "" && !strings.HasPrefix(k, opts.Prefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := ListResult{}
	for _, k := range keys {
		obj := m.objects[k]
		result.Files = append(result.Files, ListEntry{Key: k, Size: int64(len(obj.data)), ETag: obj.etag})
	}
	if opts.Limit > 0 && len(result.Files) > opts.Limit {
		result.Files = result.Files[:opts.Limit]
		result.HasMore = true
	}
	return result, nil
}

func (m *MockStore) CreateMultipart(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	uploadID := "upload-" + strconv.Itoa(len(m.uploads)+1) + "-" + key
	m.uploads[uploadID] = &mockUpload{key: key, parts: make(map[int32][]byte)}
	return uploadID, nil
}

func (m *MockStore) UploadPart(_ context.Context, key, uploadID string, partNumber int32, data []byte) (MultipartPart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return MultipartPart{}, m.Err
	}
	upload, ok := m.uploads[uploadID]
	if !ok {
		return MultipartPart{}, perr.NotFound("objectstore.UploadPart", "unknown upload id").WithTarget(key)
	}
	upload.parts[partNumber] = append([]byte(nil), data...)
	return MultipartPart{PartNumber: partNumber, ETag: m.newETag()}, nil
}

func (m *MockStore) CompleteMultipart(_ context.Context, key, uploadID string, parts []MultipartPart) (PutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return PutResult{}, m.Err
	}
	upload, ok := m.uploads[uploadID]
	if !ok {
		return PutResult{}, perr.NotFound("objectstore.CompleteMultipart", "unknown upload id").WithTarget(key)
	}

	sorted := append([]MultipartPart(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	var combined []byte
	for _, p := range sorted {
		combined = append(combined, upload.parts[p.PartNumber]...)
	}

	etag := m.newETag()
	m.objects[key] = &mockObject{data: combined, etag: etag}
	delete(m.uploads, uploadID)
	return PutResult{ETag: etag}, nil
}

func (m *MockStore) AbortMultipart(_ context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.uploads, uploadID)
	return nil
}
