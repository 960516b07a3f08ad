package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidConfig = errors.New("prover: invalid config")
	ErrInvalidInput  = errors.New("prover: invalid input")
	// ErrWitness covers witness computation failures, including the case
	// where the claimed distance does not satisfy the circuit constraint.
	ErrWitness = errors.New("prover: witness generation failed")
	// ErrProving covers groth16 proving toolchain failures.
	ErrProving = errors.New("prover: proof generation failed")
)

// Input is the private assignment handed to the proving toolchain.
// Coordinates are signed circuit units; DistanceMM is the claimed distance
// in the same unit. Zero distance is a valid claim.
type Input struct {
	Point1     [3]int64
	Point2     [3]int64
	DistanceMM uint64
}

// EncodeInput renders the toolchain's input JSON.
func EncodeInput(in Input) ([]byte, error) {
	return json.Marshal(map[string]any{
		"point1":      [3]int64{in.Point1[0], in.Point1[1], in.Point1[2]},
		"point2":      [3]int64{in.Point2[0], in.Point2[1], in.Point2[2]},
		"distance_mm": in.DistanceMM,
	})
}

// Result holds the proof artifact set produced by one generation run. All
// three payloads are opaque toolchain output, persisted as-is.
type Result struct {
	Witness       []byte
	Proof         []byte
	PublicSignals []byte
}

type Generator interface {
	Generate(ctx context.Context, in Input) (Result, error)
}

type Config struct {
	// NodeBin runs the compiled witness generator script. Defaults to "node".
	NodeBin string
	// WitnessScript is the generate_witness.js path emitted by the circuit
	// compiler.
	WitnessScript string
	// CircuitWasm is the compiled circuit artifact.
	CircuitWasm string
	// SnarkjsBin produces the groth16 proof. Defaults to "snarkjs".
	SnarkjsBin string
	// ProvingKey is the circuit-specific zkey from the trusted setup.
	ProvingKey string
	// ScratchDir hosts per-run working directories. Defaults to the system
	// temp dir.
	ScratchDir string
}

type execCommandFn func(ctx context.Context, bin string, args ...string) ([]byte, error)

// Toolchain invokes the external witness and proving binaries. It is
// CPU-bound and single-shot: retry policy belongs to the caller.
type Toolchain struct {
	cfg Config

	execCommand execCommandFn
}

func New(cfg Config) (*Toolchain, error) {
	if strings.TrimSpace(cfg.WitnessScript) == "" {
		return nil, fmt.Errorf("%w: missing witness script", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.CircuitWasm) == "" {
		return nil, fmt.Errorf("%w: missing circuit wasm", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.ProvingKey) == "" {
		return nil, fmt.Errorf("%w: missing proving key", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.NodeBin) == "" {
		cfg.NodeBin = "node"
	}
	if strings.TrimSpace(cfg.SnarkjsBin) == "" {
		cfg.SnarkjsBin = "snarkjs"
	}
	return &Toolchain{
		cfg:         cfg,
		execCommand: runExecCommand,
	}, nil
}

func (t *Toolchain) Generate(ctx context.Context, in Input) (Result, error) {
	if t == nil || t.execCommand == nil {
		return Result{}, fmt.Errorf("%w: nil toolchain", ErrInvalidConfig)
	}

	inputJSON, err := EncodeInput(in)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode input: %v", ErrInvalidInput, err)
	}

	dir, err := os.MkdirTemp(t.cfg.ScratchDir, "zkhotdog-prove-*")
	if err != nil {
		return Result{}, fmt.Errorf("prover: scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	inputPath := filepath.Join(dir, "input.json")
	witnessPath := filepath.Join(dir, "witness.wtns")
	proofPath := filepath.Join(dir, "proof.json")
	publicPath := filepath.Join(dir, "public.json")

	if err := os.WriteFile(inputPath, inputJSON, 0o600); err != nil {
		return Result{}, fmt.Errorf("prover: write input: %w", err)
	}

	// Step 1: full signal assignment. A nonzero exit here is how the
	// toolchain reports an unsatisfied constraint system, i.e. a wrong
	// claimed distance.
	out, err := t.execCommand(ctx, t.cfg.NodeBin, t.cfg.WitnessScript, t.cfg.CircuitWasm, inputPath, witnessPath)
	if err != nil {
		return Result{}, wrapToolError(ErrWitness, out, err)
	}

	// Step 2: groth16 proof from the witness.
	out, err = t.execCommand(ctx, t.cfg.SnarkjsBin, "groth16", "prove", t.cfg.ProvingKey, witnessPath, proofPath, publicPath)
	if err != nil {
		return Result{}, wrapToolError(ErrProving, out, err)
	}

	witness, err := os.ReadFile(witnessPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read witness: %v", ErrWitness, err)
	}
	proof, err := os.ReadFile(proofPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read proof: %v", ErrProving, err)
	}
	public, err := os.ReadFile(publicPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read public signals: %v", ErrProving, err)
	}
	if len(proof) == 0 || len(public) == 0 {
		return Result{}, fmt.Errorf("%w: toolchain produced empty artifacts", ErrProving)
	}

	return Result{
		Witness:       witness,
		Proof:         proof,
		PublicSignals: public,
	}, nil
}

func wrapToolError(sentinel error, output []byte, cause error) error {
	msg := strings.TrimSpace(string(output))
	if msg == "" {
		return fmt.Errorf("%w: %v", sentinel, cause)
	}
	return fmt.Errorf("%w: %v: %s", sentinel, cause, msg)
}

func runExecCommand(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	err := cmd.Run()
	return combined.Bytes(), err
}
