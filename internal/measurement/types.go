package measurement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidMeasurement = errors.New("measurement: invalid measurement")
	ErrInvalidConfig      = errors.New("measurement: invalid config")
	ErrNotFound           = errors.New("measurement: not found")
	ErrExists             = errors.New("measurement: already exists")
	ErrInvalidTransition  = errors.New("measurement: invalid transition")
)

// CoordScale converts client float coordinates into the integer unit the
// circuit operates on. Incoming values are multiplied by CoordScale and
// rounded before anything else sees them.
const CoordScale = 100000

type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Scale converts a raw client point into circuit units.
func (p Point3D) Scale() Point3D {
	return Point3D{
		X: math.Round(p.X * CoordScale),
		Y: math.Round(p.Y * CoordScale),
		Z: math.Round(p.Z * CoordScale),
	}
}

// Ints returns the point as signed integer circuit coordinates. The point
// must already be scaled.
func (p Point3D) Ints() [3]int64 {
	return [3]int64{int64(p.X), int64(p.Y), int64(p.Z)}
}

func (p Point3D) Finite() bool {
	for _, v := range []float64{p.X, p.Y, p.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ClaimedDistance computes the rounded Euclidean distance between two scaled
// points. Identical points yield zero, which is a valid claim.
func ClaimedDistance(a, b Point3D) uint64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return uint64(math.Round(math.Sqrt(dx*dx + dy*dy + dz*dz)))
}

// Attestation is the finalized inclusion record handed back by the
// attestation network. It is immutable once set.
type Attestation struct {
	AttestationID uint64        `json:"attestationId"`
	MerklePath    []common.Hash `json:"merklePath"`
	LeafCount     uint64        `json:"leafCount"`
	LeafIndex     uint64        `json:"index"`
}

func (a Attestation) Validate() error {
	if a.LeafCount == 0 {
		return fmt.Errorf("%w: attestation leaf count must be > 0", ErrInvalidMeasurement)
	}
	if a.LeafIndex >= a.LeafCount {
		return fmt.Errorf("%w: attestation leaf index %d out of range (count %d)", ErrInvalidMeasurement, a.LeafIndex, a.LeafCount)
	}
	return nil
}

// Measurement is the unit of work. Points are stored in scaled circuit
// units; Status is mutated only through the store's transition methods.
type Measurement struct {
	ID          string       `json:"id"`
	ImagePath   string       `json:"image_path"`
	StartPoint  Point3D      `json:"start_point"`
	EndPoint    Point3D      `json:"end_point"`
	Status      Status       `json:"status"`
	Attestation *Attestation `json:"attestation,omitempty"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (m Measurement) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMeasurement)
	}
	if !m.StartPoint.Finite() || !m.EndPoint.Finite() {
		return fmt.Errorf("%w: points must be finite", ErrInvalidMeasurement)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidMeasurement, m.Status)
	}
	if (m.Attestation != nil) != (m.Status == StatusCompleted) {
		return fmt.Errorf("%w: attestation must be set exactly when status is Completed", ErrInvalidMeasurement)
	}
	return nil
}

// Store persists measurements. Transitions are forward-only:
// Pending -> Processing -> {Completed, Failed}; terminal states never change.
// Reads return consistent snapshots, never partially written records.
type Store interface {
	Create(ctx context.Context, m Measurement) error
	Get(ctx context.Context, id string) (Measurement, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, att Attestation) error
	MarkFailed(ctx context.Context, id string) error
}
