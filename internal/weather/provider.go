package weather

import (
	"context"
	"errors"
)

// ErrSourceUnavailable is returned when the upstream station feed cannot be
// fetched or decoded.
var ErrSourceUnavailable = errors.New("weather source unavailable")

// Source abstracts a station data feed (e.g. Buienradar).
//
// FetchAndParse returns an empty slice, not an error, when the upstream has
// no valid stations. Callers must treat empty distinctly from failure.
type Source interface {
	FetchAndParse(ctx context.Context) ([]Record, error)
}
