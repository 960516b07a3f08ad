package attestnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Attestation is the durable confirmation of one verified proof: the
// network-assigned identifier plus the Merkle inclusion data resolving the
// proof's leaf inside the published batch root.
type Attestation struct {
	AttestationID uint64
	MerklePath    []common.Hash
	LeafCount     uint64
	LeafIndex     uint64
}

// Submitter publishes one generated proof and blocks until the network
// confirms inclusion or the bounded wait expires.
type Submitter interface {
	Submit(ctx context.Context, proof Proof) (Attestation, error)
}

type dialFn func(ctx context.Context) (Session, error)

type Config struct {
	// URL of the attestation network RPC endpoint (websocket for the event
	// stream).
	URL string
	// Seed is the network credential, loaded once at startup and shared by
	// all submissions.
	Seed string
	// ConfirmTimeout bounds the wait for the terminal confirmation event.
	// The upstream design waited indefinitely; a bounded default is a
	// deliberate hardening deviation. Zero selects the default.
	ConfirmTimeout time.Duration

	Log *slog.Logger
}

const defaultConfirmTimeout = 10 * time.Minute

type NetworkSubmitter struct {
	cfg Config

	log  *slog.Logger
	dial dialFn
}

func New(cfg Config) (*NetworkSubmitter, error) {
	if err := validateURL(cfg.URL); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Seed) == "" {
		return nil, fmt.Errorf("%w: missing network seed", ErrInvalidConfig)
	}
	if cfg.ConfirmTimeout < 0 {
		return nil, fmt.Errorf("%w: confirm timeout must be >= 0", ErrInvalidConfig)
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	url := strings.TrimSpace(cfg.URL)
	return &NetworkSubmitter{
		cfg: cfg,
		log: log,
		dial: func(ctx context.Context) (Session, error) {
			return dialRPCSession(ctx, url)
		},
	}, nil
}

func (s *NetworkSubmitter) Submit(ctx context.Context, proof Proof) (Attestation, error) {
	if s == nil || s.dial == nil {
		return Attestation{}, fmt.Errorf("%w: nil submitter", ErrInvalidConfig)
	}
	if err := proof.Validate(); err != nil {
		return Attestation{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()

	sess, err := s.dial(ctx)
	if err != nil {
		return Attestation{}, fmt.Errorf("%w: open session: %w", ErrAttestation, err)
	}
	defer sess.Close()

	events := make(chan Event, 16)
	watch, err := sess.SubmitAndWatch(ctx, SubmitPayload{
		ProofSystem:     ProofSystemGroth16,
		Curve:           CurveBN254,
		Proof:           proof.Proof,
		PublicSignals:   proof.PublicSignals,
		VerificationKey: proof.VerificationKey,
		Seed:            s.cfg.Seed,
		WaitFor:         waitForPublished,
	}, events)
	if err != nil {
		return Attestation{}, fmt.Errorf("%w: submit verification: %w", ErrAttestation, err)
	}
	defer watch.Unsubscribe()

	attestationID, err := s.awaitConfirmed(ctx, watch, events)
	if err != nil {
		return Attestation{}, err
	}

	leaf := LeafDigest(ProofSystemGroth16, proof.VerificationKey, proof.PublicSignals)
	inc, err := sess.ProofOfExistence(ctx, attestationID, leaf)
	if err != nil {
		return Attestation{}, fmt.Errorf("%w: proof of existence for attestation %d: %w", ErrAttestation, attestationID, err)
	}
	if inc.LeafCount == 0 || inc.LeafIndex >= inc.LeafCount {
		return Attestation{}, fmt.Errorf("%w: inconsistent inclusion proof (index %d, count %d)", ErrAttestation, inc.LeafIndex, inc.LeafCount)
	}

	s.log.Info("attestation confirmed",
		"attestationId", attestationID,
		"leafCount", inc.LeafCount,
		"leafIndex", inc.LeafIndex,
	)
	return Attestation{
		AttestationID: attestationID,
		MerklePath:    inc.MerklePath,
		LeafCount:     inc.LeafCount,
		LeafIndex:     inc.LeafIndex,
	}, nil
}

// awaitConfirmed drains the watch stream until the terminal confirmation
// event arrives. Intermediate phases are observability only; the stream may
// deliver them out of order or not at all.
func (s *NetworkSubmitter) awaitConfirmed(ctx context.Context, watch Watch, events <-chan Event) (uint64, error) {
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return 0, fmt.Errorf("%w: timed out waiting for confirmation", ErrAttestation)
			}
			return 0, fmt.Errorf("%w: wait for confirmation: %w", ErrAttestation, ctx.Err())
		case err := <-watch.Err():
			if err == nil {
				// Subscription closed without a terminal event.
				return 0, fmt.Errorf("%w: event stream closed before confirmation", ErrAttestation)
			}
			return 0, fmt.Errorf("%w: event stream: %w", ErrAttestation, err)
		case ev := <-events:
			switch ev.Phase {
			case PhaseConfirmed:
				if ev.AttestationID == nil {
					return 0, fmt.Errorf("%w: confirmation event missing attestation id", ErrAttestation)
				}
				return *ev.AttestationID, nil
			case PhaseInBlock, PhaseFinalized:
				s.log.Debug("attestation progress", "phase", ev.Phase, "blockHash", ev.BlockHash)
			default:
				s.log.Debug("ignoring unknown attestation event", "phase", ev.Phase)
			}
		}
	}
}
