package allocation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geos"

	"github.com/dpup/jamalloc/internal/lib/geo"
)

// Engine runs the allocation cascade with a fixed set of options
type Engine struct {
	opts Options
}

// NewEngine validates opts and returns an engine
func NewEngine(opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid allocation options: %w", err)
	}
	return &Engine{opts: opts}, nil
}

// Options returns the engine configuration
func (e *Engine) Options() Options {
	return e.opts
}

// PrepareNetwork buffers every segment once and indexes the big buffers.
// The returned network must be closed by the caller.
func (e *Engine) PrepareNetwork(segments []NetworkSegment) (*Network, error) {
	if len(segments) == 0 {
		return nil, errors.New("road network must contain at least one segment")
	}

	n := &Network{
		opts:     e.opts,
		srid:     e.opts.SRID,
		ctx:      geos.NewContext(),
		segments: make([]preparedSegment, 0, len(segments)),
	}

	seen := make(map[int64]struct{}, len(segments))
	for _, seg := range segments {
		if _, dup := seen[seg.ID]; dup {
			n.Close()
			return nil, fmt.Errorf("segment %d: duplicate segment id", seg.ID)
		}
		seen[seg.ID] = struct{}{}

		srid, err := frameOf(seg.Geometry, n.srid)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("segment %d: %w", seg.ID, err)
		}
		n.srid = srid

		parts, err := geo.LineParts(seg.Geometry)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("segment %d: %w", seg.ID, err)
		}

		shape, err := geo.Thicken(n.ctx, parts, n.srid, e.opts.SmallBuffer, e.opts.BigBuffer, e.opts.Directional)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("segment %d: %w", seg.ID, err)
		}

		idx := len(n.segments)
		n.segments = append(n.segments, preparedSegment{segment: seg, shape: shape})

		bounds := shape.Big.Bounds()
		n.index.Insert(
			[2]float64{bounds.MinX, bounds.MinY},
			[2]float64{bounds.MaxX, bounds.MaxY},
			idx,
		)
	}

	return n, nil
}

// frameOf checks a geometry's SRID against the expected frame. An untagged
// geometry (SRID 0) adopts the frame; an unset frame adopts the geometry's.
// Lon/lat is never a planar frame.
func frameOf(g geom.T, frame int) (int, error) {
	if g == nil {
		return frame, nil
	}
	srid := g.SRID()
	switch {
	case srid == geo.WGS84SRID:
		return frame, fmt.Errorf("%w: geometry is lon/lat (EPSG:%d), expected planar coordinates", ErrProjectionMismatch, srid)
	case srid == 0:
		return frame, nil
	case frame == 0:
		return srid, nil
	case srid != frame:
		return frame, fmt.Errorf("%w: geometry is EPSG:%d, expected EPSG:%d", ErrProjectionMismatch, srid, frame)
	default:
		return frame, nil
	}
}

type preparedJam struct {
	jam   JamEvent
	shape *geo.Thickenings
}

// JamSet is a page of jams with their derived geometry. Sets returned by the
// Match* operations are views over the same page; Destroy on any of them
// releases the geometry of the whole page.
type JamSet struct {
	jams []*preparedJam
	pool *jamPool
}

type jamPool struct {
	ctx  *geos.Context
	all  []*preparedJam
	once sync.Once
}

// Len returns the number of jams in the set
func (s *JamSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.jams)
}

// IDs returns the jam ids in page order
func (s *JamSet) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, len(s.jams))
	for i, j := range s.jams {
		ids[i] = j.jam.ID
	}
	return ids
}

// Destroy releases the GEOS geometry of the page
func (s *JamSet) Destroy() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.once.Do(func() {
		for _, j := range s.pool.all {
			j.shape.Destroy()
		}
	})
}

func (s *JamSet) view(jams []*preparedJam) *JamSet {
	return &JamSet{jams: jams, pool: s.pool}
}

// PrepareJams validates a page of jams against the network frame and builds
// their buffers in a context private to the page
func (e *Engine) PrepareJams(jams []JamEvent, network *Network) (*JamSet, error) {
	if err := e.checkNetwork(network); err != nil {
		return nil, err
	}

	pool := &jamPool{ctx: geos.NewContext()}
	set := &JamSet{pool: pool}

	for _, jam := range jams {
		if jam.Planar == nil {
			set.Destroy()
			if jam.Geographic != nil {
				return nil, fmt.Errorf("jam %s: %w: geometry has not been projected", jam.ID, ErrProjectionMismatch)
			}
			return nil, fmt.Errorf("jam %s: %w: missing geometry", jam.ID, ErrInvalidGeometryKind)
		}

		srid, err := frameOf(jam.Planar, network.srid)
		if err != nil {
			set.Destroy()
			return nil, fmt.Errorf("jam %s: %w", jam.ID, err)
		}

		parts, err := geo.LineParts(jam.Planar)
		if err != nil {
			set.Destroy()
			return nil, fmt.Errorf("jam %s: %w", jam.ID, err)
		}

		shape, err := geo.Thicken(pool.ctx, parts, srid, e.opts.SmallBuffer, e.opts.BigBuffer, e.opts.Directional)
		if err != nil {
			set.Destroy()
			return nil, fmt.Errorf("jam %s: %w", jam.ID, err)
		}

		pj := &preparedJam{jam: jam, shape: shape}
		pool.all = append(pool.all, pj)
		set.jams = append(set.jams, pj)
	}

	return set, nil
}

func (e *Engine) checkNetwork(network *Network) error {
	if network == nil {
		return errors.New("road network is not prepared")
	}
	if network.opts != e.opts {
		return fmt.Errorf("road network was prepared with different options (%+v, engine %+v)", network.opts, e.opts)
	}
	return nil
}

// stage is one tier of the cascade. Predicates are always evaluated on the
// jam geometry so that the jam context is locked before the network's.
type stage struct {
	tier  Tier
	match func(jam *preparedJam, seg *preparedSegment) bool
}

var (
	containsStage = stage{
		tier: TierContains,
		match: func(jam *preparedJam, seg *preparedSegment) bool {
			return jam.shape.Big.Contains(seg.shape.Small)
		},
	}
	withinStage = stage{
		tier: TierWithin,
		match: func(jam *preparedJam, seg *preparedSegment) bool {
			return jam.shape.Small.Within(seg.shape.Big)
		},
	}
	intersectsStage = stage{
		tier: TierIntersects,
		match: func(jam *preparedJam, seg *preparedSegment) bool {
			return jam.shape.Direction == seg.shape.Direction &&
				jam.shape.Small.Intersects(seg.shape.Small)
		},
	}
	cascade = []stage{containsStage, withinStage, intersectsStage}
)

// run matches every jam in the set against its candidate segments and
// returns the matches plus the jams that matched nothing
func (st stage) run(set *JamSet, network *Network) ([]Match, *JamSet) {
	var matches []Match
	var remaining []*preparedJam

	for _, jam := range set.jams {
		matched := false
		for _, idx := range network.candidates(jam.shape.Big.Bounds()) {
			seg := &network.segments[idx]
			if !st.match(jam, seg) {
				continue
			}
			matched = true
			matches = append(matches, Match{
				JamID:        jam.jam.ID,
				JamStartTime: jam.jam.StartTime,
				SegmentID:    seg.segment.ID,
				Tier:         st.tier,
			})
		}
		if !matched {
			remaining = append(remaining, jam)
		}
	}

	return matches, set.view(remaining)
}

// MatchContains runs the first tier: a jam matches a segment when the jam's
// big buffer contains the segment's small buffer
func (e *Engine) MatchContains(set *JamSet, network *Network) ([]Match, *JamSet, error) {
	return e.runStage(containsStage, set, network)
}

// MatchWithin runs the second tier: a jam matches a segment when the jam's
// small buffer lies within the segment's big buffer
func (e *Engine) MatchWithin(set *JamSet, network *Network) ([]Match, *JamSet, error) {
	return e.runStage(withinStage, set, network)
}

// MatchIntersecting runs the third tier: a jam matches a segment when their
// small buffers intersect and both have the same direction label
func (e *Engine) MatchIntersecting(set *JamSet, network *Network) ([]Match, *JamSet, error) {
	return e.runStage(intersectsStage, set, network)
}

func (e *Engine) runStage(st stage, set *JamSet, network *Network) ([]Match, *JamSet, error) {
	if err := e.checkNetwork(network); err != nil {
		return nil, nil, err
	}
	if set == nil {
		return nil, nil, errors.New("jam set is nil")
	}
	matches, remaining := st.run(set, network)
	return matches, remaining, nil
}

// Allocate runs the three tiers in order, each over the jams left unmatched
// by the previous ones. Jams that match nothing are dropped.
func (e *Engine) Allocate(jams []JamEvent, network *Network) ([]Match, error) {
	set, err := e.PrepareJams(jams, network)
	if err != nil {
		return nil, err
	}
	defer set.Destroy()

	var all []Match
	working := set
	for _, st := range cascade {
		if working.Len() == 0 {
			break
		}
		var matches []Match
		matches, working = st.run(working, network)
		all = append(all, matches...)
	}
	return all, nil
}
