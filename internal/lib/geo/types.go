package geo

// Point represents a geographic coordinate (WGS84)
type Point struct {
	Latitude  float64 `json:"lat" yaml:"lat"`
	Longitude float64 `json:"lng" yaml:"lng"`
}

// PlanarPoint is a coordinate in a projected (UTM) frame, in meters
type PlanarPoint struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Direction is the coarse compass orientation of a line-like geometry
type Direction string

const (
	NorthSouth Direction = "north-south"
	EastWest   Direction = "east-west"
	North      Direction = "north"
	South      Direction = "south"
	East       Direction = "east"
	West       Direction = "west"
)

// GeoUtils interface defines geographic calculation utilities
type GeoUtils interface {
	// Calculate great-circle distance between two points in meters
	PointToPoint(p1, p2 Point) (float64, error)

	// Encode point sequence as a Google polyline string
	EncodePolyline(points []Point) string
}

// NewGeoUtils is implemented in geo.go
