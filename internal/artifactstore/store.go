package artifactstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverFS     = "fs"
	DriverS3     = "s3"
	DriverMemory = "memory"

	// ImageName is the write-once slot holding the uploaded capture.
	ImageName = "image.jpg"

	defaultMaxGetSize int64 = 16 << 20
)

var (
	ErrInvalidConfig = errors.New("artifactstore: invalid config")
	ErrInvalidID     = errors.New("artifactstore: invalid id")
	ErrInvalidName   = errors.New("artifactstore: invalid artifact name")
	ErrNotFound      = errors.New("artifactstore: not found")
	ErrExists        = errors.New("artifactstore: already exists")
	ErrTooLarge      = errors.New("artifactstore: object too large")
)

// Store maps a measurement id to a private, conflict-free storage namespace
// for its image and proof artifacts. Artifacts are write-once: nothing in the
// pipeline updates a slot after its single successful write.
type Store interface {
	// Allocate creates a fresh namespace for id and fails with ErrExists if
	// the namespace is already present.
	Allocate(ctx context.Context, id string) error
	WriteImage(ctx context.Context, id string, data []byte) (string, error)
	ReadImage(ctx context.Context, id string) ([]byte, error)
	WriteArtifact(ctx context.Context, id, name string, data []byte) error
	ReadArtifact(ctx context.Context, id, name string) ([]byte, error)
	Exists(ctx context.Context, id, name string) (bool, error)
}

type Config struct {
	Driver string

	// FS fields.
	Root string

	// MaxGetSize bounds bytes returned by reads. Defaults to 16 MiB when <= 0.
	MaxGetSize int64

	// S3 fields.
	Bucket   string
	Prefix   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func New(cfg Config) (Store, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverFS:
		return newFSStore(cfg)
	case DriverMemory:
		return newMemoryStore(), nil
	case DriverS3:
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverFS
	}
	return v
}

// Ids and artifact names become path components, so separators and control
// characters are rejected outright.
func validateID(id string) error {
	if id == "" || id != strings.TrimSpace(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if err := validateComponent(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func validateName(name string) error {
	if name == "" || name != strings.TrimSpace(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := validateComponent(name); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func validateComponent(v string) error {
	if v == "." || v == ".." {
		return errors.New("reserved component")
	}
	for _, r := range v {
		if r == '/' || r == '\\' || r < 0x20 || r == 0x7f {
			return errors.New("forbidden character")
		}
	}
	return nil
}

func cloneBytes(v []byte) []byte {
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

type fsStore struct {
	root       string
	maxGetSize int64
}

func newFSStore(cfg Config) (Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("%w: fs root is required", ErrInvalidConfig)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifactstore/fs: create root %q: %w", root, err)
	}
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	return &fsStore{root: root, maxGetSize: maxGet}, nil
}

func (s *fsStore) dir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *fsStore) Allocate(_ context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	dir := s.dir(id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, id)
		}
		return fmt.Errorf("artifactstore/fs: allocate %q: %w", id, err)
	}
	return nil
}

func (s *fsStore) WriteImage(ctx context.Context, id string, data []byte) (string, error) {
	if err := s.WriteArtifact(ctx, id, ImageName, data); err != nil {
		return "", err
	}
	return filepath.Join(s.dir(id), ImageName), nil
}

func (s *fsStore) ReadImage(ctx context.Context, id string) ([]byte, error) {
	return s.ReadArtifact(ctx, id, ImageName)
}

func (s *fsStore) WriteArtifact(_ context.Context, id, name string, data []byte) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}
	dir := s.dir(id)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: namespace %s", ErrNotFound, id)
		}
		return fmt.Errorf("artifactstore/fs: stat %q: %w", id, err)
	}

	// Write via a temp file and rename so concurrent readers never observe a
	// partially written artifact.
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("artifactstore/fs: temp for %s/%s: %w", id, name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("artifactstore/fs: write %s/%s: %w", id, name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("artifactstore/fs: close %s/%s: %w", id, name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("artifactstore/fs: publish %s/%s: %w", id, name, err)
	}
	return nil
}

func (s *fsStore) ReadArtifact(_ context.Context, id, name string) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir(id), name)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, id, name)
		}
		return nil, fmt.Errorf("artifactstore/fs: open %s/%s: %w", id, name, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, s.maxGetSize+1))
	if err != nil {
		return nil, fmt.Errorf("artifactstore/fs: read %s/%s: %w", id, name, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return nil, fmt.Errorf("%w: %s/%s exceeds max %d bytes", ErrTooLarge, id, name, s.maxGetSize)
	}
	return data, nil
}

func (s *fsStore) Exists(_ context.Context, id, name string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.dir(id), name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("artifactstore/fs: stat %s/%s: %w", id, name, err)
	}
	return true, nil
}

type memoryStore struct {
	mu      sync.RWMutex
	objects map[string]map[string][]byte
}

func newMemoryStore() Store {
	return &memoryStore{objects: make(map[string]map[string][]byte)}
}

func (m *memoryStore) Allocate(_ context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[id]; ok {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	m.objects[id] = make(map[string][]byte)
	return nil
}

func (m *memoryStore) WriteImage(ctx context.Context, id string, data []byte) (string, error) {
	if err := m.WriteArtifact(ctx, id, ImageName, data); err != nil {
		return "", err
	}
	return id + "/" + ImageName, nil
}

func (m *memoryStore) ReadImage(ctx context.Context, id string) ([]byte, error) {
	return m.ReadArtifact(ctx, id, ImageName)
}

func (m *memoryStore) WriteArtifact(_ context.Context, id, name string, data []byte) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.objects[id]
	if !ok {
		return fmt.Errorf("%w: namespace %s", ErrNotFound, id)
	}
	ns[name] = cloneBytes(data)
	return nil
}

func (m *memoryStore) ReadArtifact(_ context.Context, id, name string) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.objects[id]
	if !ok {
		return nil, fmt.Errorf("%w: namespace %s", ErrNotFound, id)
	}
	data, ok := ns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, id, name)
	}
	return cloneBytes(data), nil
}

func (m *memoryStore) Exists(_ context.Context, id, name string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.objects[id]
	if !ok {
		return false, nil
	}
	_, ok = ns[name]
	return ok, nil
}

type s3Store struct {
	client     S3Client
	bucket     string
	prefix     string
	maxGetSize int64
}

func newS3Store(cfg Config) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	return &s3Store{
		client:     cfg.S3Client,
		bucket:     bucket,
		prefix:     strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		maxGetSize: maxGet,
	}, nil
}

func (s *s3Store) key(id, name string) string {
	if s.prefix == "" {
		return id + "/" + name
	}
	return s.prefix + "/" + id + "/" + name
}

// markerName records an allocated namespace; S3 has no directories.
const markerName = ".allocated"

func (s *s3Store) Allocate(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id, markerName)),
	})
	if err == nil {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	if !isS3NotFound(err) {
		return fmt.Errorf("artifactstore/s3: head %q: %w", id, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id, markerName)),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return fmt.Errorf("artifactstore/s3: allocate %q: %w", id, err)
	}
	return nil
}

func (s *s3Store) WriteImage(ctx context.Context, id string, data []byte) (string, error) {
	if err := s.put(ctx, id, ImageName, data, "image/jpeg"); err != nil {
		return "", err
	}
	return s.key(id, ImageName), nil
}

func (s *s3Store) ReadImage(ctx context.Context, id string) ([]byte, error) {
	return s.ReadArtifact(ctx, id, ImageName)
}

func (s *s3Store) WriteArtifact(ctx context.Context, id, name string, data []byte) error {
	return s.put(ctx, id, name, data, "")
}

func (s *s3Store) put(ctx context.Context, id, name string, data []byte, contentType string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}
	ok, err := s.allocated(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: namespace %s", ErrNotFound, id)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id, name)),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("artifactstore/s3: put %s/%s: %w", id, name, err)
	}
	return nil
}

func (s *s3Store) ReadArtifact(ctx context.Context, id, name string) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id, name)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, id, name)
		}
		return nil, fmt.Errorf("artifactstore/s3: get %s/%s: %w", id, name, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxGetSize+1))
	if err != nil {
		return nil, fmt.Errorf("artifactstore/s3: read %s/%s: %w", id, name, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return nil, fmt.Errorf("%w: %s/%s exceeds max %d bytes", ErrTooLarge, id, name, s.maxGetSize)
	}
	return data, nil
}

func (s *s3Store) Exists(ctx context.Context, id, name string) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id, name)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("artifactstore/s3: head %s/%s: %w", id, name, err)
	}
	return true, nil
}

func (s *s3Store) allocated(ctx context.Context, id string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id, markerName)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("artifactstore/s3: head %q: %w", id, err)
	}
	return true, nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
