package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zkhotdog/zkhotdog/internal/attestnet"
	"github.com/zkhotdog/zkhotdog/internal/secrets"
)

// attest-submit publishes one pre-generated proof to the attestation
// network and prints the confirmed inclusion record as JSON. Useful for
// re-submitting artifacts persisted by a failed pipeline run.
func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("attest-submit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	attestURL := fs.String("attest-url", "", "attestation network websocket URL (required)")
	attestSeedSpec := fs.String("attest-seed", "env:ZKHOTDOG_ATTEST_SEED", "attestation seed source (env:VAR|file:/path|aws:name)")
	confirmTimeout := fs.Duration("confirm-timeout", 10*time.Minute, "bound on waiting for attestation confirmation")

	proofPath := fs.String("proof", "", "proof.json path (required)")
	publicPath := fs.String("public", "", "public.json path (required)")
	vkPath := fs.String("verification-key", "", "verification key path (required)")

	verbose := fs.Bool("verbose", false, "log submission progress to stderr")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*attestURL) == "" {
		return errors.New("--attest-url is required")
	}
	if strings.TrimSpace(*proofPath) == "" || strings.TrimSpace(*publicPath) == "" || strings.TrimSpace(*vkPath) == "" {
		return errors.New("--proof, --public, and --verification-key are required")
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seed, err := secrets.Resolve(ctx, *attestSeedSpec)
	if err != nil {
		return fmt.Errorf("resolve attestation seed: %w", err)
	}

	proof, err := readFileTrimmed(*proofPath)
	if err != nil {
		return err
	}
	publicSignals, err := readFileTrimmed(*publicPath)
	if err != nil {
		return err
	}
	verificationKey, err := readFileTrimmed(*vkPath)
	if err != nil {
		return err
	}

	submitter, err := attestnet.New(attestnet.Config{
		URL:            *attestURL,
		Seed:           seed,
		ConfirmTimeout: *confirmTimeout,
		Log:            log,
	})
	if err != nil {
		return err
	}

	att, err := submitter.Submit(ctx, attestnet.Proof{
		Proof:           proof,
		PublicSignals:   publicSignals,
		VerificationKey: verificationKey,
	})
	if err != nil {
		return err
	}

	out := struct {
		AttestationID uint64   `json:"attestationId"`
		MerklePath    []string `json:"merklePath"`
		LeafCount     uint64   `json:"leafCount"`
		LeafIndex     uint64   `json:"index"`
	}{
		AttestationID: att.AttestationID,
		LeafCount:     att.LeafCount,
		LeafIndex:     att.LeafIndex,
	}
	for _, node := range att.MerklePath {
		out.MerklePath = append(out.MerklePath, node.Hex())
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func readFileTrimmed(path string) ([]byte, error) {
	data, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return data, nil
}
