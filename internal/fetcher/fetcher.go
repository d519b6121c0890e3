package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OptionPosition is one account option position snapshot.
type OptionPosition struct {
	InstrumentName string
	Currency       string
	Direction      string // "buy" or "sell"
	Size           decimal.Decimal
	MarkIV         decimal.Decimal
	Delta          decimal.Decimal
	Gamma          decimal.Decimal
	Vega           decimal.Decimal
	Theta          decimal.Decimal
}

// IndexTick is the latest volatility index observation.
type IndexTick struct {
	Value     decimal.Decimal
	Timestamp time.Time
}

// PositionsFetcher retrieves account option positions across the configured currencies.
type PositionsFetcher interface {
	FetchPositions(ctx context.Context) ([]OptionPosition, error)
}

// IndexFetcher retrieves the venue volatility index.
type IndexFetcher interface {
	FetchIndex(ctx context.Context) (IndexTick, error)
}

// ErrorKind classifies a fetch failure.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindMalformed   ErrorKind = "malformed"
	KindUnavailable ErrorKind = "unavailable"
)

// Error is a typed data-source failure. The monitor skips the affected
// sub-fetch for the cycle regardless of kind; the kind drives logging and
// whether a retry is worthwhile.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a fetch Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
