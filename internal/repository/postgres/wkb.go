package postgres

import (
	"errors"
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
)

func encodeGeometry(g geom.T) ([]byte, error) {
	if g == nil {
		return nil, errors.New("missing geometry")
	}
	data, err := wkb.Marshal(g, wkb.NDR)
	if err != nil {
		return nil, fmt.Errorf("failed to encode geometry: %w", err)
	}
	return data, nil
}

// decodeGeometry parses WKB and tags the result with srid, which plain WKB
// does not carry
func decodeGeometry(data []byte, srid int) (geom.T, error) {
	g, err := wkb.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode geometry: %w", err)
	}
	switch t := g.(type) {
	case *geom.LineString:
		return t.SetSRID(srid), nil
	case *geom.MultiLineString:
		return t.SetSRID(srid), nil
	default:
		return nil, fmt.Errorf("unexpected stored geometry %T", g)
	}
}
