package fetch

import (
	"context"

	"github.com/google/uuid"

	"github.com/soma-tiles/pyramid/pkg/tile"
)

// SourceID names a tile backend, typically its base URL.
type SourceID string

// Transport performs the network side of fetching. Implementations own
// timeouts and wire formats; the scheduler only needs one terminal result
// per call.
type Transport interface {
	// FetchTilesetInfo returns the pyramid metadata for one tileset.
	FetchTilesetInfo(ctx context.Context, source SourceID, tilesetUID string) (tile.Metadata, error)
	// FetchTiles returns whatever payloads the backend has for ids. Ids
	// absent from the map failed for this attempt.
	FetchTiles(ctx context.Context, source SourceID, sessionID uuid.UUID, ids []tile.RemoteID) (map[tile.RemoteID][]byte, error)
}

// Invalidator is implemented by transports that cache payloads. The engine
// calls Invalidate when a payload fails to decode so a retry refetches it.
type Invalidator interface {
	Invalidate(source SourceID, id tile.RemoteID)
}
