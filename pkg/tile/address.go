package tile

import (
	"fmt"
	"strconv"
	"strings"
)

// Address identifies one tile: a zoom level plus one (linear) or two
// (matrix) coordinates. It is comparable and usable as a map key; its
// canonical string form is "zoom.x" or "zoom.x.y".
type Address struct {
	Zoom uint32
	Dims uint8
	X, Y uint32
}

// At1 returns a linear tile address.
func At1(zoom, x uint32) Address { return Address{Zoom: zoom, Dims: 1, X: x} }

// At2 returns a matrix tile address.
func At2(zoom, x, y uint32) Address { return Address{Zoom: zoom, Dims: 2, X: x, Y: y} }

func (a Address) String() string {
	if a.Dims == 2 {
		return fmt.Sprintf("%d.%d.%d", a.Zoom, a.X, a.Y)
	}
	return fmt.Sprintf("%d.%d", a.Zoom, a.X)
}

// Parent returns the tile one level up that contains a.
func (a Address) Parent() (Address, bool) {
	if a.Zoom == 0 {
		return Address{}, false
	}
	return Address{Zoom: a.Zoom - 1, Dims: a.Dims, X: a.X / 2, Y: a.Y / 2}, true
}

// Transpose swaps the coordinates of a matrix address.
func (a Address) Transpose() Address {
	if a.Dims != 2 {
		return a
	}
	return Address{Zoom: a.Zoom, Dims: 2, X: a.Y, Y: a.X}
}

// Less orders addresses by zoom then coordinates.
func (a Address) Less(b Address) bool {
	if a.Zoom != b.Zoom {
		return a.Zoom < b.Zoom
	}
	if a.X != b.X {
		return a.X < b.X
	}
	return a.Y < b.Y
}

// ParseAddress parses the canonical string form.
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 && len(parts) != 3 {
		return Address{}, fmt.Errorf("invalid tile address %q", s)
	}
	nums := make([]uint32, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Address{}, fmt.Errorf("invalid tile address %q: %w", s, err)
		}
		nums[i] = uint32(n)
	}
	if len(nums) == 3 {
		return At2(nums[0], nums[1], nums[2]), nil
	}
	return At1(nums[0], nums[1]), nil
}

// RemoteID is the identifier a server knows a tile by:
// "<tileset uid>.<zoom>.<x>[.<y>][.<suffix>]".
type RemoteID string

// Namer builds remote ids for one tileset. Suffix carries extra query
// parameters such as a data transform.
type Namer struct {
	TilesetUID string
	Suffix     string
}

// Remote returns the remote id for a.
func (n Namer) Remote(a Address) RemoteID {
	id := n.TilesetUID + "." + a.String()
	if n.Suffix != "" {
		id += "." + n.Suffix
	}
	return RemoteID(id)
}

// ParseRemoteID splits a remote id into tileset uid, address and suffix.
// dims tells how many coordinates follow the zoom level.
func ParseRemoteID(id RemoteID, dims int) (uid string, addr Address, suffix string, err error) {
	parts := strings.Split(string(id), ".")
	if dims != 1 && dims != 2 {
		return "", Address{}, "", fmt.Errorf("remote id %q: unsupported dims %d", id, dims)
	}
	if len(parts) < 2+dims {
		return "", Address{}, "", fmt.Errorf("remote id %q: too few parts", id)
	}
	addr, err = ParseAddress(strings.Join(parts[1:2+dims], "."))
	if err != nil {
		return "", Address{}, "", fmt.Errorf("remote id %q: %w", id, err)
	}
	return parts[0], addr, strings.Join(parts[2+dims:], "."), nil
}

// Ref ties the address a track displays to the remote tile that backs it.
// Several refs may share a Remote when a mirrored matrix serves both
// triangles from one stored tile.
type Ref struct {
	Local    Address
	Remote   RemoteID
	Mirrored bool
}
