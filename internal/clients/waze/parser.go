package waze

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/dpup/jamalloc/internal/lib/allocation"
	"github.com/dpup/jamalloc/internal/lib/geo"
)

// jamNamespace seeds deterministic ids for jams that arrive without a uuid
var jamNamespace = uuid.MustParse("0b6f9d2e-4a51-5c83-9e1d-7f3a2c6b8e40")

// feedTimeLayout is the provider's start/end time format once the trailing
// milliseconds (":000") are removed
const feedTimeLayout = "2006-01-02 15:04:05"

// Feed is one snapshot of the traffic feed
type Feed struct {
	StartTime time.Time
	EndTime   time.Time
	Jams      []allocation.JamEvent
	// Skipped counts jams dropped for having fewer than two trace points
	Skipped int
}

// ParseFeed parses a single feed snapshot
func ParseFeed(data []byte) (*Feed, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("feed is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("feed must be a JSON object, got %s", root.Type)
	}
	return parseRecord(root)
}

// ParseArchive parses a JSON array of stored feed snapshots, as produced by
// the raw data dumps
func ParseArchive(data []byte) ([]*Feed, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("archive is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return nil, fmt.Errorf("archive must be a JSON array, got %s", root.Type)
	}

	var feeds []*Feed
	var parseErr error
	root.ForEach(func(key, record gjson.Result) bool {
		feed, err := parseRecord(record)
		if err != nil {
			parseErr = fmt.Errorf("record %d: %w", key.Int(), err)
			return false
		}
		feeds = append(feeds, feed)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return feeds, nil
}

func parseRecord(record gjson.Result) (*Feed, error) {
	start, err := recordTime(record, "startTimeMillis", "startTime")
	if err != nil {
		return nil, err
	}
	end, err := recordTime(record, "endTimeMillis", "endTime")
	if err != nil {
		return nil, err
	}

	feed := &Feed{StartTime: start, EndTime: end}
	for _, j := range record.Get("jams").Array() {
		jam, ok := parseJam(j, start)
		if !ok {
			feed.Skipped++
			continue
		}
		feed.Jams = append(feed.Jams, jam)
	}
	return feed, nil
}

// recordTime prefers the epoch millisecond field and falls back to the
// formatted one; a record without either gets the zero time
func recordTime(record gjson.Result, millisField, textField string) (time.Time, error) {
	if ms := record.Get(millisField); ms.Exists() {
		return time.UnixMilli(ms.Int()).UTC(), nil
	}
	text := record.Get(textField)
	if !text.Exists() {
		return time.Time{}, nil
	}

	value := strings.TrimSuffix(text.String(), ":000")
	t, err := time.Parse(feedTimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: %w", textField, text.String(), err)
	}
	return t, nil
}

func parseJam(j gjson.Result, start time.Time) (allocation.JamEvent, bool) {
	line := j.Get("line").Array()
	if len(line) < 2 {
		return allocation.JamEvent{}, false
	}

	points := make([]geo.Point, len(line))
	for i, p := range line {
		points[i] = geo.Point{
			Longitude: p.Get("x").Float(),
			Latitude:  p.Get("y").Float(),
		}
	}

	speedKMH := j.Get("speedKMH").Float()
	if !j.Get("speedKMH").Exists() {
		// speed is reported in meters per second
		speedKMH = j.Get("speed").Float() * 3.6
	}

	return allocation.JamEvent{
		ID:           jamID(j),
		StartTime:    start,
		Street:       j.Get("street").String(),
		City:         j.Get("city").String(),
		Level:        int(j.Get("level").Int()),
		SpeedKMH:     speedKMH,
		LengthMeters: int(j.Get("length").Int()),
		DelaySeconds: int(j.Get("delay").Int()),
		PubMillis:    j.Get("pubMillis").Int(),
		Geographic:   geo.NewGeographicLine(points),
	}, true
}

func jamID(j gjson.Result) string {
	if id := j.Get("uuid"); id.Exists() && id.String() != "" {
		return id.String()
	}
	return uuid.NewSHA1(jamNamespace, []byte(j.Raw)).String()
}
