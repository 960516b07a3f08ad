package artifactstore

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "memory",
			cfg:  Config{Driver: DriverMemory},
		},
		{
			name:    "unsupported driver",
			cfg:     Config{Driver: "gcs"},
			wantErr: true,
		},
		{
			name:    "fs missing root",
			cfg:     Config{Driver: DriverFS},
			wantErr: true,
		},
		{
			name:    "s3 missing bucket",
			cfg:     Config{Driver: DriverS3},
			wantErr: true,
		},
		{
			name:    "s3 missing client",
			cfg:     Config{Driver: DriverS3, Bucket: "zkhotdog-artifacts"},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, err := New(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if store == nil {
				t.Fatalf("New returned nil store")
			}
		})
	}
}

func newTestStores(t *testing.T) map[string]Store {
	t.Helper()

	fsStore, err := New(Config{Driver: DriverFS, Root: t.TempDir()})
	if err != nil {
		t.Fatalf("New fs: %v", err)
	}
	memStore, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New memory: %v", err)
	}
	return map[string]Store{"fs": fsStore, "memory": memStore}
}

func TestAllocateAndRoundTrip(t *testing.T) {
	t.Parallel()

	for driver, store := range newTestStores(t) {
		driver, store := driver, store
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			if err := store.Allocate(ctx, "m-1"); err != nil {
				t.Fatalf("Allocate: %v", err)
			}
			if err := store.Allocate(ctx, "m-1"); !errors.Is(err, ErrExists) {
				t.Fatalf("second Allocate: expected ErrExists, got %v", err)
			}

			image := []byte{0xff, 0xd8, 0xff, 0xe0}
			path, err := store.WriteImage(ctx, "m-1", image)
			if err != nil {
				t.Fatalf("WriteImage: %v", err)
			}
			if path == "" {
				t.Fatalf("WriteImage returned empty path")
			}
			got, err := store.ReadImage(ctx, "m-1")
			if err != nil {
				t.Fatalf("ReadImage: %v", err)
			}
			if !bytes.Equal(got, image) {
				t.Fatalf("image round trip mismatch")
			}

			proof := []byte(`{"pi_a":["1","2"]}`)
			if err := store.WriteArtifact(ctx, "m-1", "proof.json", proof); err != nil {
				t.Fatalf("WriteArtifact: %v", err)
			}
			got, err = store.ReadArtifact(ctx, "m-1", "proof.json")
			if err != nil {
				t.Fatalf("ReadArtifact: %v", err)
			}
			if !bytes.Equal(got, proof) {
				t.Fatalf("artifact round trip mismatch")
			}

			ok, err := store.Exists(ctx, "m-1", "proof.json")
			if err != nil {
				t.Fatalf("Exists: %v", err)
			}
			if !ok {
				t.Fatalf("Exists returned false for persisted artifact")
			}
			ok, err = store.Exists(ctx, "m-1", "witness.wtns")
			if err != nil {
				t.Fatalf("Exists: %v", err)
			}
			if ok {
				t.Fatalf("Exists returned true for missing artifact")
			}
		})
	}
}

func TestNotFoundPaths(t *testing.T) {
	t.Parallel()

	for driver, store := range newTestStores(t) {
		driver, store := driver, store
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			if _, err := store.ReadImage(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("ReadImage unknown id: expected ErrNotFound, got %v", err)
			}
			if err := store.WriteArtifact(ctx, "nope", "proof.json", []byte("x")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("WriteArtifact without Allocate: expected ErrNotFound, got %v", err)
			}

			if err := store.Allocate(ctx, "m-2"); err != nil {
				t.Fatalf("Allocate: %v", err)
			}
			if _, err := store.ReadArtifact(ctx, "m-2", "proof.json"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("ReadArtifact missing slot: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestIDAndNameValidation(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	for _, id := range []string{"", " padded ", "a/b", `a\b`, "..", "ctl\x01"} {
		if err := store.Allocate(ctx, id); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("Allocate(%q): expected ErrInvalidID, got %v", id, err)
		}
	}

	if err := store.Allocate(ctx, "m-3"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	for _, name := range []string{"", "../escape", "dir/file", "."} {
		if err := store.WriteArtifact(ctx, "m-3", name, []byte("x")); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("WriteArtifact(name=%q): expected ErrInvalidName, got %v", name, err)
		}
	}
}

func TestNamespaceIsolation(t *testing.T) {
	t.Parallel()

	for driver, store := range newTestStores(t) {
		driver, store := driver, store
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			for _, id := range []string{"iso-a", "iso-b"} {
				if err := store.Allocate(ctx, id); err != nil {
					t.Fatalf("Allocate %s: %v", id, err)
				}
			}
			if err := store.WriteArtifact(ctx, "iso-a", "public.json", []byte(`["50"]`)); err != nil {
				t.Fatalf("WriteArtifact: %v", err)
			}
			if err := store.WriteArtifact(ctx, "iso-b", "public.json", []byte(`["999"]`)); err != nil {
				t.Fatalf("WriteArtifact: %v", err)
			}

			a, err := store.ReadArtifact(ctx, "iso-a", "public.json")
			if err != nil {
				t.Fatalf("ReadArtifact: %v", err)
			}
			b, err := store.ReadArtifact(ctx, "iso-b", "public.json")
			if err != nil {
				t.Fatalf("ReadArtifact: %v", err)
			}
			if bytes.Equal(a, b) {
				t.Fatalf("namespaces leaked into each other")
			}
		})
	}
}
