package providers

import (
	"context"

	"github.com/zatekoja/wardwatch/internal/domain/entities"
)

// BedFeedProvider fetches the upstream per-bed feed.
//
// A returned error means the fetch failed as a whole (transport, status or
// decoding). A nil error with an empty slice is a successful, empty feed.
type BedFeedProvider interface {
	FetchBeds(ctx context.Context, wardFilter string, forceRefresh bool) ([]entities.RawBedRecord, error)
}
