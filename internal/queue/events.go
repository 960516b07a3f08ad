package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TopicLifecycle carries one message per measurement status transition,
// keyed by measurement id so consumers observe transitions in order.
const (
	TopicLifecycle   = "measurements.lifecycle.v1"
	lifecycleVersion = "measurement.lifecycle.v1"
)

var ErrInvalidEvent = errors.New("queue: invalid lifecycle event")

// LifecycleEvent announces that a measurement reached a new status.
type LifecycleEvent struct {
	ID     string
	Status string
	At     time.Time
}

func (e LifecycleEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.Status) == "" {
		return fmt.Errorf("%w: missing status", ErrInvalidEvent)
	}
	if e.At.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	return nil
}

func EncodeLifecycleEvent(e LifecycleEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	out := struct {
		Version string `json:"version"`
		ID      string `json:"id"`
		Status  string `json:"status"`
		At      string `json:"at"`
	}{
		Version: lifecycleVersion,
		ID:      strings.TrimSpace(e.ID),
		Status:  strings.TrimSpace(e.Status),
		At:      e.At.UTC().Format(time.RFC3339Nano),
	}
	return json.Marshal(out)
}

func DecodeLifecycleEvent(payload []byte) (LifecycleEvent, error) {
	var raw struct {
		Version string `json:"version"`
		ID      string `json:"id"`
		Status  string `json:"status"`
		At      string `json:"at"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return LifecycleEvent{}, fmt.Errorf("%w: decode payload: %v", ErrInvalidEvent, err)
	}
	if raw.Version != lifecycleVersion {
		return LifecycleEvent{}, fmt.Errorf("%w: unsupported version %q", ErrInvalidEvent, raw.Version)
	}
	at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw.At))
	if err != nil {
		return LifecycleEvent{}, fmt.Errorf("%w: invalid timestamp", ErrInvalidEvent)
	}
	event := LifecycleEvent{
		ID:     strings.TrimSpace(raw.ID),
		Status: strings.TrimSpace(raw.Status),
		At:     at.UTC(),
	}
	if err := event.Validate(); err != nil {
		return LifecycleEvent{}, err
	}
	return event, nil
}
