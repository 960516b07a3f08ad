package attestnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrInvalidConfig = errors.New("attestnet: invalid config")
	// ErrAttestation wraps every failure mode of one submission: session
	// open, submission rejection, event-stream error, confirmation timeout,
	// and proof-of-existence query failure.
	ErrAttestation = errors.New("attestnet: attestation failed")
)

const (
	ProofSystemGroth16 = "groth16"
	CurveBN254         = "bn254"

	rpcNamespace         = "attest"
	methodSubmitAndWatch = "submitAndWatch"
	methodProofOfExist   = "proofOfExistence"
	waitForPublished     = "published"
)

// Event phases in increasing confirmation strength. The network does not
// guarantee delivery order; only PhaseConfirmed carries the attestation id
// and only it drives control flow.
const (
	PhaseInBlock   = "inBlock"
	PhaseFinalized = "finalized"
	PhaseConfirmed = "attestationConfirmed"
)

// Proof is the artifact set handed to the network, opaque toolchain
// serializations loaded from the artifact store and startup config.
type Proof struct {
	Proof           json.RawMessage
	PublicSignals   json.RawMessage
	VerificationKey json.RawMessage
}

func (p Proof) Validate() error {
	if len(p.Proof) == 0 {
		return fmt.Errorf("%w: empty proof", ErrInvalidConfig)
	}
	if len(p.PublicSignals) == 0 {
		return fmt.Errorf("%w: empty public signals", ErrInvalidConfig)
	}
	if len(p.VerificationKey) == 0 {
		return fmt.Errorf("%w: empty verification key", ErrInvalidConfig)
	}
	return nil
}

// Event is one lifecycle notification from the network's watch stream.
type Event struct {
	Phase         string  `json:"phase"`
	AttestationID *uint64 `json:"attestationId,omitempty"`
	BlockHash     string  `json:"blockHash,omitempty"`
}

// SubmitPayload is the wire shape of a verification transaction.
type SubmitPayload struct {
	ProofSystem     string          `json:"proofSystem"`
	Curve           string          `json:"curve"`
	Proof           json.RawMessage `json:"proof"`
	PublicSignals   json.RawMessage `json:"publicSignals"`
	VerificationKey json.RawMessage `json:"vk"`
	Seed            string          `json:"seed"`
	WaitFor         string          `json:"waitFor"`
}

// InclusionProof resolves one leaf's position inside a published batch root.
type InclusionProof struct {
	MerklePath []common.Hash
	LeafCount  uint64
	LeafIndex  uint64
}

// Watch is the live subscription for one submitted transaction.
// *rpc.ClientSubscription satisfies it.
type Watch interface {
	Err() <-chan error
	Unsubscribe()
}

// Session is one logical connection to the attestation network. Sessions are
// not safe for concurrent multiplexed use; each pipeline run opens its own.
type Session interface {
	SubmitAndWatch(ctx context.Context, payload SubmitPayload, events chan<- Event) (Watch, error)
	ProofOfExistence(ctx context.Context, attestationID uint64, leafDigest common.Hash) (InclusionProof, error)
	Close()
}

type rpcSession struct {
	rc *rpc.Client
}

func dialRPCSession(ctx context.Context, url string) (Session, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &rpcSession{rc: rc}, nil
}

func (s *rpcSession) SubmitAndWatch(ctx context.Context, payload SubmitPayload, events chan<- Event) (Watch, error) {
	sub, err := s.rc.Subscribe(ctx, rpcNamespace, events, methodSubmitAndWatch, payload)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *rpcSession) ProofOfExistence(ctx context.Context, attestationID uint64, leafDigest common.Hash) (InclusionProof, error) {
	var out struct {
		Proof          []common.Hash `json:"proof"`
		NumberOfLeaves uint64        `json:"numberOfLeaves"`
		LeafIndex      uint64        `json:"leafIndex"`
	}
	if err := s.rc.CallContext(ctx, &out, rpcNamespace+"_"+methodProofOfExist, attestationID, leafDigest); err != nil {
		return InclusionProof{}, err
	}
	return InclusionProof{
		MerklePath: out.Proof,
		LeafCount:  out.NumberOfLeaves,
		LeafIndex:  out.LeafIndex,
	}, nil
}

func (s *rpcSession) Close() {
	s.rc.Close()
}

func validateURL(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return fmt.Errorf("%w: missing attestation network url", ErrInvalidConfig)
	}
	return nil
}
