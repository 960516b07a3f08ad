package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zkhotdog/zkhotdog/internal/measurement"
)

var ErrInvalidConfig = errors.New("measurement/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS measurements (
	id              text PRIMARY KEY,
	image_path      text NOT NULL,
	start_x         double precision NOT NULL,
	start_y         double precision NOT NULL,
	start_z         double precision NOT NULL,
	end_x           double precision NOT NULL,
	end_y           double precision NOT NULL,
	end_z           double precision NOT NULL,
	status          text NOT NULL,
	attestation_id  bigint,
	merkle_path     bytea,
	leaf_count      bigint,
	leaf_index      bigint,
	created_at      timestamptz NOT NULL DEFAULT now(),
	updated_at      timestamptz NOT NULL DEFAULT now(),
	CONSTRAINT measurements_attestation_iff_completed CHECK (
		(status = 'Completed') = (attestation_id IS NOT NULL)
	)
);
CREATE INDEX IF NOT EXISTS measurements_status_idx ON measurements (status);
`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("measurement/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, m measurement.Measurement) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Status != measurement.StatusPending {
		return fmt.Errorf("%w: new measurements must be Pending, got %q", measurement.ErrInvalidMeasurement, m.Status)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO measurements (
			id, image_path,
			start_x, start_y, start_z,
			end_x, end_y, end_z,
			status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now(), now())
		ON CONFLICT (id) DO NOTHING
	`, m.ID, m.ImagePath,
		m.StartPoint.X, m.StartPoint.Y, m.StartPoint.Z,
		m.EndPoint.X, m.EndPoint.Y, m.EndPoint.Z,
		string(m.Status))
	if err != nil {
		return fmt.Errorf("measurement/postgres: insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", measurement.ErrExists, m.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (measurement.Measurement, error) {
	if s == nil || s.pool == nil {
		return measurement.Measurement{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var (
		m             measurement.Measurement
		status        string
		attestationID *int64
		merklePath    []byte
		leafCount     *int64
		leafIndex     *int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, image_path,
			start_x, start_y, start_z,
			end_x, end_y, end_z,
			status, attestation_id, merkle_path, leaf_count, leaf_index,
			created_at, updated_at
		FROM measurements
		WHERE id = $1
	`, id).Scan(
		&m.ID, &m.ImagePath,
		&m.StartPoint.X, &m.StartPoint.Y, &m.StartPoint.Z,
		&m.EndPoint.X, &m.EndPoint.Y, &m.EndPoint.Z,
		&status, &attestationID, &merklePath, &leafCount, &leafIndex,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return measurement.Measurement{}, fmt.Errorf("%w: %s", measurement.ErrNotFound, id)
		}
		return measurement.Measurement{}, fmt.Errorf("measurement/postgres: get: %w", err)
	}

	m.Status = measurement.Status(status)
	if attestationID != nil {
		path, err := decodeMerklePath(merklePath)
		if err != nil {
			return measurement.Measurement{}, err
		}
		m.Attestation = &measurement.Attestation{
			AttestationID: uint64(*attestationID),
			MerklePath:    path,
			LeafCount:     uint64(derefInt64(leafCount)),
			LeafIndex:     uint64(derefInt64(leafIndex)),
		}
	}
	return m, nil
}

func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE measurements
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, string(measurement.StatusProcessing), string(measurement.StatusPending))
	if err != nil {
		return fmt.Errorf("measurement/postgres: mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMissedUpdate(ctx, id, "Processing")
	}
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, id string, att measurement.Attestation) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := att.Validate(); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE measurements
		SET status = $2,
			attestation_id = $3,
			merkle_path = $4,
			leaf_count = $5,
			leaf_index = $6,
			updated_at = now()
		WHERE id = $1 AND status = $7
	`, id, string(measurement.StatusCompleted),
		int64(att.AttestationID), encodeMerklePath(att.MerklePath),
		int64(att.LeafCount), int64(att.LeafIndex),
		string(measurement.StatusProcessing))
	if err != nil {
		return fmt.Errorf("measurement/postgres: mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMissedUpdate(ctx, id, "Completed")
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE measurements
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, string(measurement.StatusFailed),
		string(measurement.StatusPending), string(measurement.StatusProcessing))
	if err != nil {
		return fmt.Errorf("measurement/postgres: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMissedUpdate(ctx, id, "Failed")
	}
	return nil
}

// classifyMissedUpdate distinguishes an unknown id from a guarded transition
// that found the row in the wrong state.
func (s *Store) classifyMissedUpdate(ctx context.Context, id, target string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM measurements WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", measurement.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("measurement/postgres: inspect %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s -> %s", measurement.ErrInvalidTransition, status, target)
}

// Merkle paths are stored as the concatenation of 32-byte nodes.
func encodeMerklePath(path []common.Hash) []byte {
	out := make([]byte, 0, len(path)*common.HashLength)
	for _, h := range path {
		out = append(out, h[:]...)
	}
	return out
}

func decodeMerklePath(raw []byte) ([]common.Hash, error) {
	if len(raw)%common.HashLength != 0 {
		return nil, fmt.Errorf("measurement/postgres: merkle path length %d not a multiple of %d", len(raw), common.HashLength)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]common.Hash, 0, len(raw)/common.HashLength)
	for i := 0; i < len(raw); i += common.HashLength {
		out = append(out, common.BytesToHash(raw[i:i+common.HashLength]))
	}
	return out, nil
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
