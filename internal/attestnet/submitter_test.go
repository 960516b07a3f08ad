package attestnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type fakeWatch struct {
	errCh        chan error
	unsubscribed bool
}

func newFakeWatch() *fakeWatch {
	return &fakeWatch{errCh: make(chan error, 1)}
}

func (w *fakeWatch) Err() <-chan error { return w.errCh }
func (w *fakeWatch) Unsubscribe()      { w.unsubscribed = true }

type fakeSession struct {
	watch  *fakeWatch
	script func(events chan<- Event)

	submitErr error
	poe       InclusionProof
	poeErr    error

	gotPayload SubmitPayload
	gotAttID   uint64
	gotLeaf    common.Hash
	closed     bool
}

func (s *fakeSession) SubmitAndWatch(_ context.Context, payload SubmitPayload, events chan<- Event) (Watch, error) {
	s.gotPayload = payload
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	if s.script != nil {
		go s.script(events)
	}
	return s.watch, nil
}

func (s *fakeSession) ProofOfExistence(_ context.Context, attestationID uint64, leafDigest common.Hash) (InclusionProof, error) {
	s.gotAttID = attestationID
	s.gotLeaf = leafDigest
	if s.poeErr != nil {
		return InclusionProof{}, s.poeErr
	}
	return s.poe, nil
}

func (s *fakeSession) Close() { s.closed = true }

func testProof() Proof {
	return Proof{
		Proof:           json.RawMessage(`{"pi_a":["1","2"]}`),
		PublicSignals:   json.RawMessage(`["50"]`),
		VerificationKey: json.RawMessage(`{"curve":"bn128"}`),
	}
}

func newTestSubmitter(t *testing.T, sess *fakeSession, timeout time.Duration) *NetworkSubmitter {
	t.Helper()
	sub, err := New(Config{
		URL:            "ws://127.0.0.1:9944",
		Seed:           "bottom drive obey lake curtain smoke basket hold race lonely fit walk",
		ConfirmTimeout: timeout,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub.dial = func(context.Context) (Session, error) { return sess, nil }
	return sub
}

func uintPtr(v uint64) *uint64 { return &v }

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Seed: "seed"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing url: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Config{URL: "ws://x"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing seed: expected ErrInvalidConfig, got %v", err)
	}
	if _, err := New(Config{URL: "ws://x", Seed: "s", ConfirmTimeout: -time.Second}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative timeout: expected ErrInvalidConfig, got %v", err)
	}
}

func TestSubmitHappyPath(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{
		watch: newFakeWatch(),
		script: func(events chan<- Event) {
			events <- Event{Phase: PhaseInBlock, BlockHash: "0x01"}
			events <- Event{Phase: PhaseFinalized, BlockHash: "0x01"}
			events <- Event{Phase: PhaseConfirmed, AttestationID: uintPtr(271)}
		},
		poe: InclusionProof{
			MerklePath: []common.Hash{common.HexToHash("0x0a"), common.HexToHash("0x0b")},
			LeafCount:  8,
			LeafIndex:  5,
		},
	}
	sub := newTestSubmitter(t, sess, time.Minute)

	att, err := sub.Submit(context.Background(), testProof())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if att.AttestationID != 271 {
		t.Fatalf("attestation id = %d, want 271", att.AttestationID)
	}
	if att.LeafCount != 8 || att.LeafIndex != 5 || len(att.MerklePath) != 2 {
		t.Fatalf("unexpected inclusion data: %+v", att)
	}

	if sess.gotPayload.ProofSystem != ProofSystemGroth16 || sess.gotPayload.WaitFor != waitForPublished {
		t.Fatalf("unexpected payload: %+v", sess.gotPayload)
	}
	if sess.gotAttID != 271 {
		t.Fatalf("poe queried with attestation id %d", sess.gotAttID)
	}
	proof := testProof()
	if want := LeafDigest(ProofSystemGroth16, proof.VerificationKey, proof.PublicSignals); sess.gotLeaf != want {
		t.Fatalf("poe leaf digest = %s, want %s", sess.gotLeaf, want)
	}
	if !sess.closed {
		t.Fatalf("session not closed")
	}
	if !sess.watch.unsubscribed {
		t.Fatalf("watch not unsubscribed")
	}
}

func TestSubmitToleratesMissingAndReorderedEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		script func(events chan<- Event)
	}{
		{
			name: "terminal only",
			script: func(events chan<- Event) {
				events <- Event{Phase: PhaseConfirmed, AttestationID: uintPtr(7)}
			},
		},
		{
			name: "out of order intermediates",
			script: func(events chan<- Event) {
				events <- Event{Phase: PhaseFinalized}
				events <- Event{Phase: PhaseInBlock}
				events <- Event{Phase: PhaseConfirmed, AttestationID: uintPtr(7)}
			},
		},
		{
			name: "unknown phases ignored",
			script: func(events chan<- Event) {
				events <- Event{Phase: "broadcast"}
				events <- Event{Phase: PhaseConfirmed, AttestationID: uintPtr(7)}
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sess := &fakeSession{
				watch:  newFakeWatch(),
				script: tc.script,
				poe:    InclusionProof{LeafCount: 1, LeafIndex: 0},
			}
			sub := newTestSubmitter(t, sess, time.Minute)
			att, err := sub.Submit(context.Background(), testProof())
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if att.AttestationID != 7 {
				t.Fatalf("attestation id = %d, want 7", att.AttestationID)
			}
		})
	}
}

func TestSubmitFailureModes(t *testing.T) {
	t.Parallel()

	t.Run("dial failure", func(t *testing.T) {
		t.Parallel()
		sub := newTestSubmitter(t, &fakeSession{watch: newFakeWatch()}, time.Minute)
		sub.dial = func(context.Context) (Session, error) {
			return nil, fmt.Errorf("connection refused")
		}
		if _, err := sub.Submit(context.Background(), testProof()); !errors.Is(err, ErrAttestation) {
			t.Fatalf("expected ErrAttestation, got %v", err)
		}
	})

	t.Run("submission rejected", func(t *testing.T) {
		t.Parallel()
		sess := &fakeSession{watch: newFakeWatch(), submitErr: fmt.Errorf("invalid proof")}
		sub := newTestSubmitter(t, sess, time.Minute)
		if _, err := sub.Submit(context.Background(), testProof()); !errors.Is(err, ErrAttestation) {
			t.Fatalf("expected ErrAttestation, got %v", err)
		}
		if !sess.closed {
			t.Fatalf("session must be closed on error paths")
		}
	})

	t.Run("event stream error", func(t *testing.T) {
		t.Parallel()
		sess := &fakeSession{watch: newFakeWatch()}
		sess.script = func(chan<- Event) {
			sess.watch.errCh <- fmt.Errorf("websocket closed")
		}
		sub := newTestSubmitter(t, sess, time.Minute)
		if _, err := sub.Submit(context.Background(), testProof()); !errors.Is(err, ErrAttestation) {
			t.Fatalf("expected ErrAttestation, got %v", err)
		}
		if !sess.closed {
			t.Fatalf("session must be closed on error paths")
		}
	})

	t.Run("confirmation timeout", func(t *testing.T) {
		t.Parallel()
		sess := &fakeSession{
			watch: newFakeWatch(),
			script: func(events chan<- Event) {
				events <- Event{Phase: PhaseInBlock}
				// Never confirm.
			},
		}
		sub := newTestSubmitter(t, sess, 50*time.Millisecond)
		_, err := sub.Submit(context.Background(), testProof())
		if !errors.Is(err, ErrAttestation) {
			t.Fatalf("expected ErrAttestation, got %v", err)
		}
		if !sess.closed {
			t.Fatalf("session must be closed on timeout")
		}
	})

	t.Run("confirmation without id", func(t *testing.T) {
		t.Parallel()
		sess := &fakeSession{
			watch: newFakeWatch(),
			script: func(events chan<- Event) {
				events <- Event{Phase: PhaseConfirmed}
			},
		}
		sub := newTestSubmitter(t, sess, time.Minute)
		if _, err := sub.Submit(context.Background(), testProof()); !errors.Is(err, ErrAttestation) {
			t.Fatalf("expected ErrAttestation, got %v", err)
		}
	})

	t.Run("poe failure", func(t *testing.T) {
		t.Parallel()
		sess := &fakeSession{
			watch: newFakeWatch(),
			script: func(events chan<- Event) {
				events <- Event{Phase: PhaseConfirmed, AttestationID: uintPtr(3)}
			},
			poeErr: fmt.Errorf("attestation not found"),
		}
		sub := newTestSubmitter(t, sess, time.Minute)
		if _, err := sub.Submit(context.Background(), testProof()); !errors.Is(err, ErrAttestation) {
			t.Fatalf("expected ErrAttestation, got %v", err)
		}
	})

	t.Run("inconsistent inclusion proof", func(t *testing.T) {
		t.Parallel()
		sess := &fakeSession{
			watch: newFakeWatch(),
			script: func(events chan<- Event) {
				events <- Event{Phase: PhaseConfirmed, AttestationID: uintPtr(3)}
			},
			poe: InclusionProof{LeafCount: 2, LeafIndex: 5},
		}
		sub := newTestSubmitter(t, sess, time.Minute)
		if _, err := sub.Submit(context.Background(), testProof()); !errors.Is(err, ErrAttestation) {
			t.Fatalf("expected ErrAttestation, got %v", err)
		}
	})

	t.Run("empty proof rejected", func(t *testing.T) {
		t.Parallel()
		sub := newTestSubmitter(t, &fakeSession{watch: newFakeWatch()}, time.Minute)
		if _, err := sub.Submit(context.Background(), Proof{}); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("expected ErrInvalidConfig, got %v", err)
		}
	})
}

func TestLeafDigestDeterministic(t *testing.T) {
	t.Parallel()

	a := LeafDigest(ProofSystemGroth16, []byte("vk"), []byte(`["50"]`))
	b := LeafDigest(ProofSystemGroth16, []byte("vk"), []byte(`["50"]`))
	if a != b {
		t.Fatalf("digest not deterministic")
	}
	if a == (common.Hash{}) {
		t.Fatalf("digest is zero")
	}
	if a == LeafDigest(ProofSystemGroth16, []byte("vk"), []byte(`["51"]`)) {
		t.Fatalf("digest ignores public signals")
	}
	if a == LeafDigest("fflonk", []byte("vk"), []byte(`["50"]`)) {
		t.Fatalf("digest ignores proof system")
	}
}
