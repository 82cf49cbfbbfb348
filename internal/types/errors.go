package types

import (
	"fmt"
	"time"
)

// MalformedRecordError rejects a single raw row during normalization. It is
// row-level and non-fatal: rejections are collected per batch while valid rows
// continue processing.
type MalformedRecordError struct {
	Row    int
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Reason)
}

// DuplicatesOnlyError aborts a batch in which every incoming row duplicates a
// fill already on record. Recoverable: the caller may re-submit with an
// explicit override, which imports the duplicates as parallel records.
type DuplicatesOnlyError struct {
	Count int
}

func (e *DuplicatesOnlyError) Error() string {
	return fmt.Sprintf("all %d records duplicate existing fills", e.Count)
}

// RateUnavailableError reports a missing conversion rate for a currency at an
// instant. The engine never substitutes a guessed rate.
type RateUnavailableError struct {
	Currency string
	At       time.Time
}

func (e *RateUnavailableError) Error() string {
	return fmt.Sprintf("no conversion rate for %s at %s", e.Currency, e.At.Format(time.RFC3339))
}

// InternalInconsistencyError signals an invariant violation inside the engine
// (for example a position whose net quantity and fills disagree). Fatal: the
// batch aborts and nothing is committed.
type InternalInconsistencyError struct {
	Detail string
}

func (e *InternalInconsistencyError) Error() string {
	return "internal inconsistency: " + e.Detail
}
