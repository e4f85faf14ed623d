package tilecache

import (
	"github.com/soma-tiles/pyramid/pkg/decode"
	"github.com/soma-tiles/pyramid/pkg/tile"
)

// State is the lifecycle position of one tile record.
type State int

const (
	// Requested tiles are wanted but not yet handed to the scheduler.
	Requested State = iota
	// Fetching tiles are claimed by an in-flight or pending fetch.
	Fetching
	// Ready tiles hold a payload and are visible.
	Ready
	// Stale tiles hold a payload but left the visible set; they stay on
	// screen until retirement executes.
	Stale
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Fetching:
		return "fetching"
	case Ready:
		return "ready"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// Record is one tile's entry in the cache. Values returned by TileCache
// methods are copies; Payload and Decoded are shared and must not be
// mutated.
type Record struct {
	Ref     tile.Ref
	State   State
	Payload []byte
	Decoded *decode.Tile
	// Err is the most recent fetch failure, cleared on arrival.
	Err error

	staleSeq uint64
}

// Address is the record's local address.
func (r Record) Address() tile.Address { return r.Ref.Local }

// Displayable reports whether a renderer may draw the record.
func (r Record) Displayable() bool {
	return (r.State == Ready || r.State == Stale) && r.Payload != nil
}

// Observer is told about retirements and fetch failures.
type Observer interface {
	TilesRetired(addrs []tile.Address)
	FetchFailed(ref tile.Ref, err error)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	OnRetired func(addrs []tile.Address)
	OnFailed  func(ref tile.Ref, err error)
}

func (o ObserverFuncs) TilesRetired(addrs []tile.Address) {
	if o.OnRetired != nil {
		o.OnRetired(addrs)
	}
}

func (o ObserverFuncs) FetchFailed(ref tile.Ref, err error) {
	if o.OnFailed != nil {
		o.OnFailed(ref, err)
	}
}
