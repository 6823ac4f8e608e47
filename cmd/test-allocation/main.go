package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dpup/jamalloc/internal/config"
	"github.com/dpup/jamalloc/internal/lib/allocation"
	"github.com/dpup/jamalloc/internal/lib/geo"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "allocate":
		handleAllocate()
	case "direction":
		handleDirection()
	case "project":
		handleProject()
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

// scenario is a self-contained allocation case in planar coordinates
type scenario struct {
	Allocation config.AllocationConfig `yaml:"allocation"`
	SRID       int                     `yaml:"srid"`
	Segments   []struct {
		ID     int64       `yaml:"id"`
		Street string      `yaml:"street"`
		Points [][]float64 `yaml:"points"`
	} `yaml:"segments"`
	Jams []struct {
		ID     string      `yaml:"id"`
		Points [][]float64 `yaml:"points"`
	} `yaml:"jams"`
}

func toPlanar(raw [][]float64) ([]geo.PlanarPoint, error) {
	points := make([]geo.PlanarPoint, len(raw))
	for i, p := range raw {
		if len(p) != 2 {
			return nil, fmt.Errorf("point %d: expected [x, y], got %v", i, p)
		}
		points[i] = geo.PlanarPoint{X: p[0], Y: p[1]}
	}
	return points, nil
}

func handleAllocate() {
	fs := flag.NewFlagSet("allocate", flag.ExitOnError)
	file := fs.String("scenario", "", "YAML scenario with allocation options, segments and jams")
	directional := fs.Bool("directional", false, "Override the scenario's direction mode")

	fs.Parse(os.Args[2:])

	if *file == "" {
		fmt.Println("Example usage:")
		fmt.Println("  test-allocation allocate --scenario tests/testdata/scenarios/parallel_streets.yaml")
		fmt.Println()
		fmt.Println("Scenario format:")
		fmt.Println("  allocation: {small_buffer: 10, big_buffer: 20}")
		fmt.Println("  srid: 32722")
		fmt.Println("  segments: [{id: 1, street: R. Dona Francisca, points: [[0, 0], [500, 0]]}]")
		fmt.Println("  jams: [{id: a, points: [[100, 2], [300, 2]]}]")
		os.Exit(1)
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("Error reading scenario: %v", err)
	}

	sc := scenario{Allocation: config.DefaultConfig().Allocation}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		log.Fatalf("Error parsing scenario: %v", err)
	}
	if *directional {
		sc.Allocation.Directional = true
	}

	engine, err := allocation.NewEngine(sc.Allocation.Options(sc.SRID))
	if err != nil {
		log.Fatalf("Invalid options: %v", err)
	}

	segments := make([]allocation.NetworkSegment, 0, len(sc.Segments))
	for _, s := range sc.Segments {
		points, err := toPlanar(s.Points)
		if err != nil {
			log.Fatalf("Segment %d: %v", s.ID, err)
		}
		segments = append(segments, allocation.NetworkSegment{
			ID:       s.ID,
			Street:   s.Street,
			Length:   geo.PathLength(points),
			Geometry: geo.NewPlanarLine(points, sc.SRID),
		})
	}

	start := time.Now().UTC().Truncate(time.Minute)
	jams := make([]allocation.JamEvent, 0, len(sc.Jams))
	for _, j := range sc.Jams {
		points, err := toPlanar(j.Points)
		if err != nil {
			log.Fatalf("Jam %s: %v", j.ID, err)
		}
		jams = append(jams, allocation.JamEvent{
			ID:        j.ID,
			StartTime: start,
			Planar:    geo.NewPlanarLine(points, sc.SRID),
		})
	}

	network, err := engine.PrepareNetwork(segments)
	if err != nil {
		log.Fatalf("Error preparing network: %v", err)
	}
	defer network.Close()

	began := time.Now()
	matches, err := engine.Allocate(jams, network)
	if err != nil {
		log.Fatalf("Error allocating: %v", err)
	}
	elapsed := time.Since(began)

	fmt.Printf("Allocation (small=%gm, big=%gm, directional=%t)\n",
		sc.Allocation.SmallBuffer, sc.Allocation.BigBuffer, sc.Allocation.Directional)
	fmt.Printf("  Segments: %d, Jams: %d, Matches: %d, Time: %v\n\n", network.Len(), len(jams), len(matches), elapsed)

	streets := make(map[int64]string, len(segments))
	for _, s := range segments {
		streets[s.ID] = s.Street
	}
	for _, m := range matches {
		fmt.Printf("  %-10s -> segment %-6d %-24s [%s]\n", m.JamID, m.SegmentID, streets[m.SegmentID], m.Tier)
	}

	if unmatched := allocation.Unmatched(jams, matches); len(unmatched) > 0 {
		fmt.Printf("\n  Unmatched: %s\n", strings.Join(unmatched, ", "))
	}
}

func handleDirection() {
	fs := flag.NewFlagSet("direction", flag.ExitOnError)
	from := fs.String("from", "", "Start point as x,y")
	to := fs.String("to", "", "End point as x,y")

	fs.Parse(os.Args[2:])

	if *from == "" || *to == "" {
		fmt.Println("Example usage:")
		fmt.Println("  test-allocation direction --from 0,0 --to 10,3")
		os.Exit(1)
	}

	start, err := parsePair(*from)
	if err != nil {
		log.Fatalf("Invalid --from: %v", err)
	}
	end, err := parsePair(*to)
	if err != nil {
		log.Fatalf("Invalid --to: %v", err)
	}

	p1 := geo.PlanarPoint{X: start[0], Y: start[1]}
	p2 := geo.PlanarPoint{X: end[0], Y: end[1]}

	fmt.Printf("Direction from (%.2f, %.2f) to (%.2f, %.2f):\n", p1.X, p1.Y, p2.X, p2.Y)
	fmt.Printf("  Two-way:  %s\n", geo.ClassifyDirection(p1, p2, false))
	fmt.Printf("  Four-way: %s\n", geo.ClassifyDirection(p1, p2, true))
}

func handleProject() {
	fs := flag.NewFlagSet("project", flag.ExitOnError)
	lat := fs.Float64("lat", 0, "Latitude")
	lng := fs.Float64("lng", 0, "Longitude")
	zone := fs.Int("zone", 22, "UTM zone")
	north := fs.Bool("north", false, "Northern hemisphere")

	fs.Parse(os.Args[2:])

	if *lat == 0 && *lng == 0 {
		fmt.Println("Example usage:")
		fmt.Println("  test-allocation project --lat -26.31254 --lng -48.85777")
		fmt.Println("  (Joinville city centre in UTM zone 22 south)")
		os.Exit(1)
	}

	normalizer, err := geo.NewNormalizer(geo.Projection{Zone: *zone, South: !*north})
	if err != nil {
		log.Fatalf("Error creating projection: %v", err)
	}
	defer normalizer.Close()

	p := geo.Point{Latitude: *lat, Longitude: *lng}
	planar, err := normalizer.ToPlanar([]geo.Point{p})
	if err != nil {
		log.Fatalf("Error projecting: %v", err)
	}
	roundTrip, err := normalizer.RoundTripError(p)
	if err != nil {
		log.Fatalf("Error checking round trip: %v", err)
	}

	fmt.Printf("Projection to %s:\n", normalizer.Projection())
	fmt.Printf("  Input:      (%.6f, %.6f)\n", p.Latitude, p.Longitude)
	fmt.Printf("  Easting:    %.2f m\n", planar[0].X)
	fmt.Printf("  Northing:   %.2f m\n", planar[0].Y)
	fmt.Printf("  Round trip: %.6f m\n", roundTrip)
}

func parsePair(s string) ([2]float64, error) {
	var out [2]float64
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return out, fmt.Errorf("expected x,y, got %q", s)
	}
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

func printUsage() {
	fmt.Println("Allocation test tool")
	fmt.Println()
	fmt.Println("Usage: test-allocation <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  allocate   Run the matching cascade over a YAML scenario")
	fmt.Println("  direction  Classify the direction of a line")
	fmt.Println("  project    Project a lon/lat point into UTM")
	fmt.Println("  help       Show this message")
}
