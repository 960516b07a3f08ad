package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeAWSClient struct {
	out *secretsmanager.GetSecretValueOutput
	err error
}

func (c *fakeAWSClient) GetSecretValue(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

func TestEnvProvider(t *testing.T) {
	const key = "ATTEST_SEED_TEST_ENV"
	t.Setenv(key, "  bottom drive obey lake  ")
	p := NewEnv()
	got, err := p.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "bottom drive obey lake" {
		t.Fatalf("value mismatch: got %q", got)
	}

	if _, err := p.Get(context.Background(), "MISSING_ENV_KEY_XYZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileProvider(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "seed")
	if err := os.WriteFile(path, []byte("  seed phrase here \n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p := NewFile()
	got, err := p.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "seed phrase here" {
		t.Fatalf("value mismatch: got %q", got)
	}

	if _, err := p.Get(context.Background(), filepath.Join(dir, "missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing file: expected ErrNotFound, got %v", err)
	}

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("   \n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := p.Get(context.Background(), empty); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty file: expected ErrNotFound, got %v", err)
	}
}

func TestAWSProvider(t *testing.T) {
	t.Parallel()

	p, err := NewAWSWithClient(&fakeAWSClient{
		out: &secretsmanager.GetSecretValueOutput{
			SecretString: strPtr(" seed "),
		},
	})
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	got, err := p.Get(context.Background(), "arn:aws:secretsmanager:us-east-1:123:secret:attest-seed")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "seed" {
		t.Fatalf("secret mismatch: got %q", got)
	}
}

func TestResolve(t *testing.T) {
	const key = "ATTEST_SEED_RESOLVE_ENV"
	t.Setenv(key, "from-env")

	got, err := Resolve(context.Background(), "env:"+key)
	if err != nil {
		t.Fatalf("Resolve env: %v", err)
	}
	if got != "from-env" {
		t.Fatalf("value mismatch: got %q", got)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "seed")
	if err := os.WriteFile(path, []byte("from-file"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err = Resolve(context.Background(), "file:"+path)
	if err != nil {
		t.Fatalf("Resolve file: %v", err)
	}
	if got != "from-file" {
		t.Fatalf("value mismatch: got %q", got)
	}

	for _, spec := range []string{"", "no-scheme", "vault:thing", "env:"} {
		if _, err := Resolve(context.Background(), spec); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("Resolve(%q): expected ErrInvalidConfig, got %v", spec, err)
		}
	}
}

func strPtr(v string) *string { return &v }
