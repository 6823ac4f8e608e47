package geo

import (
	"errors"
	"fmt"
	"sync"

	"github.com/twpayne/go-proj/v10"
)

// WGS84SRID is the EPSG code of geographic longitude/latitude coordinates
const WGS84SRID = 4326

// Projection identifies a fixed UTM zone and hemisphere
type Projection struct {
	Zone  int  `json:"zone" yaml:"zone" koanf:"zone" validate:"min=1,max=60"`
	South bool `json:"south" yaml:"south" koanf:"south"`
}

// SRID returns the EPSG code of the WGS84 / UTM frame (326xx north, 327xx south)
func (p Projection) SRID() int {
	if p.South {
		return 32700 + p.Zone
	}
	return 32600 + p.Zone
}

func (p Projection) String() string {
	hemisphere := "north"
	if p.South {
		hemisphere = "south"
	}
	return fmt.Sprintf("UTM zone %d %s (EPSG:%d)", p.Zone, hemisphere, p.SRID())
}

// Normalizer converts coordinate lists between WGS84 and a fixed UTM frame.
// Point order is preserved.
type Normalizer struct {
	projection Projection
	pj         *proj.PJ
	mu         sync.Mutex
}

// NewNormalizer creates a Normalizer for the given UTM zone
func NewNormalizer(projection Projection) (*Normalizer, error) {
	if projection.Zone < 1 || projection.Zone > 60 {
		return nil, fmt.Errorf("invalid UTM zone %d: must be [1, 60]", projection.Zone)
	}

	pj, err := proj.NewCRSToCRS("EPSG:4326", fmt.Sprintf("EPSG:%d", projection.SRID()), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create projection for %s: %w", projection, err)
	}

	// EPSG:4326 is lat/lon ordered; normalize so input is always lon/lat
	normalized, err := pj.NormalizeForVisualization()
	pj.Destroy()
	if err != nil {
		return nil, fmt.Errorf("failed to normalize axis order: %w", err)
	}

	return &Normalizer{
		projection: projection,
		pj:         normalized,
	}, nil
}

// Projection returns the planar frame this normalizer targets
func (n *Normalizer) Projection() Projection {
	return n.projection
}

// SRID returns the EPSG code of the planar frame
func (n *Normalizer) SRID() int {
	return n.projection.SRID()
}

// ToPlanar projects geographic points into the UTM frame
func (n *Normalizer) ToPlanar(points []Point) ([]PlanarPoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pj == nil {
		return nil, errors.New("normalizer is closed")
	}

	planar := make([]PlanarPoint, len(points))
	for i, p := range points {
		if !isValidCoordinate(p) {
			return nil, fmt.Errorf("point %d: invalid coordinates (%f, %f)", i, p.Latitude, p.Longitude)
		}
		c, err := n.pj.Forward(proj.Coord{p.Longitude, p.Latitude, 0, 0})
		if err != nil {
			return nil, fmt.Errorf("point %d: failed to project: %w", i, err)
		}
		planar[i] = PlanarPoint{X: c[0], Y: c[1]}
	}
	return planar, nil
}

// ToGeographic converts UTM points back to longitude/latitude
func (n *Normalizer) ToGeographic(points []PlanarPoint) ([]Point, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pj == nil {
		return nil, errors.New("normalizer is closed")
	}

	geographic := make([]Point, len(points))
	for i, p := range points {
		c, err := n.pj.Inverse(proj.Coord{p.X, p.Y, 0, 0})
		if err != nil {
			return nil, fmt.Errorf("point %d: failed to unproject: %w", i, err)
		}
		geographic[i] = Point{Latitude: c[1], Longitude: c[0]}
	}
	return geographic, nil
}

// RoundTripError projects a point to the planar frame and back, returning the
// great-circle distance in meters between the input and the recovered point
func (n *Normalizer) RoundTripError(p Point) (float64, error) {
	planar, err := n.ToPlanar([]Point{p})
	if err != nil {
		return 0, err
	}
	back, err := n.ToGeographic(planar)
	if err != nil {
		return 0, err
	}
	return NewGeoUtils().PointToPoint(p, back[0])
}

// Close releases the underlying PROJ transformation
func (n *Normalizer) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pj != nil {
		n.pj.Destroy()
		n.pj = nil
	}
}
