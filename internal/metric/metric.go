// Package metric defines the metric records shared by the stores, the cache
// and the API, together with their validation and display formatting.
package metric

import (
	"errors"
	"fmt"
	"time"
)

// Unit is the display unit of a metric value.
type Unit string

const (
	UnitPercentage   Unit = "percentage"
	UnitTemperature  Unit = "temperature"
	UnitCount        Unit = "count"
	UnitBytes        Unit = "bytes"
	UnitSeconds      Unit = "seconds"
	UnitMilliseconds Unit = "milliseconds"
	UnitCurrency     Unit = "currency"
)

// Units lists every valid unit.
var Units = []Unit{
	UnitPercentage,
	UnitTemperature,
	UnitCount,
	UnitBytes,
	UnitSeconds,
	UnitMilliseconds,
	UnitCurrency,
}

// Valid reports whether u is a known unit.
func (u Unit) Valid() bool {
	for _, known := range Units {
		if u == known {
			return true
		}
	}
	return false
}

// Metric is a named numeric value owned by the user that created it.
type Metric struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Value     float64   `json:"value"`
	Unit      Unit      `json:"unit"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// CreatorAlias is joined from the creator's profile on read. It is never
	// persisted with the row.
	CreatorAlias string `json:"creator_alias,omitempty"`
}

// HistoryEntry records one accepted value update.
type HistoryEntry struct {
	ID        string    `json:"id"`
	MetricID  string    `json:"metric_id"`
	Value     float64   `json:"value"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`

	CreatorAlias string `json:"user_alias,omitempty"`
}

// HistoryPoint is one sparkline sample.
type HistoryPoint struct {
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryStats summarizes a metric's full history.
type HistoryStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// HistoryDetail is the full history, newest first, with stats.
type HistoryDetail struct {
	History []HistoryEntry `json:"history"`
	Stats   HistoryStats   `json:"stats"`
}

// NewHistoryDetail computes stats over entries. Min and max are 0 when there
// are no entries.
func NewHistoryDetail(entries []HistoryEntry) HistoryDetail {
	if entries == nil {
		entries = []HistoryEntry{}
	}
	d := HistoryDetail{History: entries, Stats: HistoryStats{Count: len(entries)}}
	for i, e := range entries {
		if i == 0 || e.Value < d.Stats.Min {
			d.Stats.Min = e.Value
		}
		if i == 0 || e.Value > d.Stats.Max {
			d.Stats.Max = e.Value
		}
	}
	return d
}

// CreateInput is the caller-supplied part of a new metric.
type CreateInput struct {
	Type  string  `json:"type" validate:"required,max=100,metrictype"`
	Value float64 `json:"value" validate:"safenumber"`
	Unit  Unit    `json:"unit" validate:"required,metricunit"`
}

// UpdateInput carries a new metric value.
type UpdateInput struct {
	Value float64 `json:"value" validate:"safenumber"`
}

var (
	// ErrAuthRequired is returned when a mutation is attempted without a user.
	ErrAuthRequired = errors.New("metric: authentication required")

	// ErrNotFoundOrForbidden is returned when an update matches no row. An
	// absent metric and a metric owned by someone else are not distinguished.
	ErrNotFoundOrForbidden = errors.New("metric not found or you do not have permission to update it")

	// ErrValidation wraps every input validation failure.
	ErrValidation = errors.New("metric: invalid input")
)

// FetchError is a read that failed in transport. It is retryable and distinct
// from an empty result.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("metric: fetch %s failed: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// PartialWriteError is returned when an ordering replacement removed the old
// entries but failed to write the new ones, leaving the ordering empty.
type PartialWriteError struct {
	UserID string
	Err    error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("metric: ordering for user %s partially written: %v", e.UserID, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

// IsFetchError reports whether err is, or wraps, a *FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
