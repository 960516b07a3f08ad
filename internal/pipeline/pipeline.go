package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zkhotdog/zkhotdog/internal/artifactstore"
	"github.com/zkhotdog/zkhotdog/internal/attestnet"
	"github.com/zkhotdog/zkhotdog/internal/measurement"
	"github.com/zkhotdog/zkhotdog/internal/prover"
	"github.com/zkhotdog/zkhotdog/internal/queue"
)

var (
	ErrInvalidConfig = errors.New("pipeline: invalid config")
	ErrClosed        = errors.New("pipeline: runner closed")
	ErrScheduled     = errors.New("pipeline: measurement already scheduled")
)

// Durable artifact slots written per measurement. ArtifactAttestation is
// written only after the network confirms inclusion.
const (
	ArtifactInput       = "input.json"
	ArtifactWitness     = "witness.wtns"
	ArtifactProof       = "proof.json"
	ArtifactPublic      = "public.json"
	ArtifactAttestation = "attestation.json"
)

// Config configures the pipeline runner.
type Config struct {
	// VerificationKey is the circuit verification key forwarded to the
	// attestation network alongside every proof.
	VerificationKey []byte

	// Events, when set, receives best-effort lifecycle notifications.
	// Publish failures are logged and never affect the run.
	Events queue.Producer

	Log *slog.Logger
	Now func() time.Time
}

// Runner drives submitted measurements through proof generation and
// attestation. Each measurement id is run at most once per process; runs
// execute on the runner's own base context so request cancellation cannot
// abort an in-flight proof.
type Runner struct {
	cfg Config

	store     measurement.Store
	artifacts artifactstore.Store
	generator prover.Generator
	submitter attestnet.Submitter
	log       *slog.Logger
	nowFn     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	scheduled map[string]struct{}
	closed    bool
	wg        sync.WaitGroup
}

func New(cfg Config, store measurement.Store, artifacts artifactstore.Store, generator prover.Generator, submitter attestnet.Submitter) (*Runner, error) {
	if store == nil || artifacts == nil || generator == nil || submitter == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if len(cfg.VerificationKey) == 0 {
		return nil, fmt.Errorf("%w: missing verification key", ErrInvalidConfig)
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cfg:       cfg,
		store:     store,
		artifacts: artifacts,
		generator: generator,
		submitter: submitter,
		log:       log,
		nowFn:     nowFn,
		ctx:       ctx,
		cancel:    cancel,
		scheduled: make(map[string]struct{}),
	}, nil
}

// Start schedules one asynchronous run for id and returns immediately.
// A second Start for the same id fails with ErrScheduled.
func (r *Runner) Start(id string) error {
	if r == nil {
		return fmt.Errorf("%w: nil runner", ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.scheduled[id]; ok {
		return fmt.Errorf("%w: %s", ErrScheduled, id)
	}
	r.scheduled[id] = struct{}{}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(id)
	}()
	return nil
}

// Drain blocks until every in-flight run finishes or ctx expires. New Starts
// are rejected once Drain is called.
func (r *Runner) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels in-flight runs. Interrupted measurements are marked Failed
// by their own run goroutines before they exit.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) run(id string) {
	ctx := r.ctx
	log := r.log.With("measurement_id", id)

	if err := r.store.MarkProcessing(ctx, id); err != nil {
		log.Error("pipeline mark processing", "err", err)
		return
	}
	r.publishLifecycle(id, measurement.StatusProcessing)

	if err := r.process(ctx, id, log); err != nil {
		log.Error("pipeline run failed", "err", err)
		r.fail(id, log)
		return
	}

	r.publishLifecycle(id, measurement.StatusCompleted)
	log.Info("pipeline run completed")
}

func (r *Runner) process(ctx context.Context, id string, log *slog.Logger) error {
	m, err := r.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load measurement: %w", err)
	}

	in := prover.Input{
		Point1:     m.StartPoint.Ints(),
		Point2:     m.EndPoint.Ints(),
		DistanceMM: measurement.ClaimedDistance(m.StartPoint, m.EndPoint),
	}
	inputJSON, err := prover.EncodeInput(in)
	if err != nil {
		return fmt.Errorf("encode prover input: %w", err)
	}
	if err := r.artifacts.WriteArtifact(ctx, id, ArtifactInput, inputJSON); err != nil {
		return fmt.Errorf("persist %s: %w", ArtifactInput, err)
	}

	res, err := r.generator.Generate(ctx, in)
	if err != nil {
		return fmt.Errorf("generate proof: %w", err)
	}
	for _, artifact := range []struct {
		name string
		data []byte
	}{
		{ArtifactWitness, res.Witness},
		{ArtifactProof, res.Proof},
		{ArtifactPublic, res.PublicSignals},
	} {
		if err := r.artifacts.WriteArtifact(ctx, id, artifact.name, artifact.data); err != nil {
			return fmt.Errorf("persist %s: %w", artifact.name, err)
		}
	}
	log.Info("proof generated", "distance_units", in.DistanceMM)

	att, err := r.submitter.Submit(ctx, attestnet.Proof{
		Proof:           res.Proof,
		PublicSignals:   res.PublicSignals,
		VerificationKey: r.cfg.VerificationKey,
	})
	if err != nil {
		return fmt.Errorf("submit proof: %w", err)
	}

	record := measurement.Attestation{
		AttestationID: att.AttestationID,
		MerklePath:    att.MerklePath,
		LeafCount:     att.LeafCount,
		LeafIndex:     att.LeafIndex,
	}
	attJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode attestation: %w", err)
	}
	if err := r.artifacts.WriteArtifact(ctx, id, ArtifactAttestation, attJSON); err != nil {
		return fmt.Errorf("persist %s: %w", ArtifactAttestation, err)
	}

	if err := r.store.MarkCompleted(ctx, id, record); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// fail records the terminal Failed status. The store write uses a fresh
// context so a canceled run can still land its terminal state.
func (r *Runner) fail(id string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.MarkFailed(ctx, id); err != nil {
		log.Error("pipeline mark failed", "err", err)
		return
	}
	r.publishLifecycle(id, measurement.StatusFailed)
}

func (r *Runner) publishLifecycle(id string, status measurement.Status) {
	if r.cfg.Events == nil {
		return
	}
	payload, err := queue.EncodeLifecycleEvent(queue.LifecycleEvent{
		ID:     id,
		Status: string(status),
		At:     r.nowFn(),
	})
	if err != nil {
		r.log.Error("encode lifecycle event", "measurement_id", id, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.cfg.Events.Publish(ctx, queue.TopicLifecycle, []byte(id), payload); err != nil {
		r.log.Error("publish lifecycle event", "measurement_id", id, "status", status, "err", err)
	}
}
