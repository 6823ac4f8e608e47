package allocation

import (
	"sort"
	"sync"

	"github.com/tidwall/rtree"
	"github.com/twpayne/go-geos"

	"github.com/dpup/jamalloc/internal/lib/geo"
)

type preparedSegment struct {
	segment NetworkSegment
	shape   *geo.Thickenings
}

// Network is the immutable, prepared road network shared by every page of a
// run. It is safe for concurrent use by several Allocate calls.
type Network struct {
	opts Options
	srid int
	// ctx owns every segment buffer. GEOS locks it for each predicate, so
	// concurrent pages take turns on the segment side of a match; running
	// pages in parallel mostly overlaps jam buffering and database I/O.
	ctx      *geos.Context
	segments []preparedSegment
	index    rtree.RTree

	closeOnce sync.Once
}

// Len returns the number of segments
func (n *Network) Len() int {
	return len(n.segments)
}

// SRID returns the planar frame of the network
func (n *Network) SRID() int {
	return n.srid
}

// Options returns the options the network was prepared with
func (n *Network) Options() Options {
	return n.opts
}

// Segments returns the source segments in preparation order
func (n *Network) Segments() []NetworkSegment {
	segments := make([]NetworkSegment, len(n.segments))
	for i, s := range n.segments {
		segments[i] = s.segment
	}
	return segments
}

// candidates returns, in network order, the segments whose big buffer
// envelope overlaps the given envelope. Every tier predicate implies such an
// overlap, since each small buffer lies inside the corresponding big buffer.
func (n *Network) candidates(bounds *geos.Box2D) []int {
	var hits []int
	n.index.Search(
		[2]float64{bounds.MinX, bounds.MinY},
		[2]float64{bounds.MaxX, bounds.MaxY},
		func(_, _ [2]float64, data interface{}) bool {
			hits = append(hits, data.(int))
			return true
		},
	)
	sort.Ints(hits)
	return hits
}

// Close releases the GEOS geometry held by the network
func (n *Network) Close() {
	n.closeOnce.Do(func() {
		for i := range n.segments {
			n.segments[i].shape.Destroy()
		}
	})
}
