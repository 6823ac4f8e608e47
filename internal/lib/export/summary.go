// Package export aggregates allocation results per road segment and writes
// them as GeoJSON or KML for mapping.
package export

import (
	"sort"
	"time"

	"github.com/twpayne/go-geom"

	"github.com/dpup/jamalloc/internal/lib/allocation"
)

// SegmentSummary aggregates the jams allocated to one segment
type SegmentSummary struct {
	SegmentID     int64   `json:"id"`
	Street        string  `json:"street"`
	LengthMeters  float64 `json:"length_meters"`
	JammedMinutes int     `json:"jammed_minutes"`
	// TrafficShare is jammed observations over monitored observations
	TrafficShare     float64                 `json:"traffic_share"`
	MeanLevel        float64                 `json:"mean_level"`
	MeanSquaredLevel float64                 `json:"mean_squared_level"`
	MeanSpeedKMH     float64                 `json:"mean_speed_kmh"`
	MeanJamLength    float64                 `json:"mean_jam_length_meters"`
	MeanDelaySeconds float64                 `json:"mean_delay_seconds"`
	DelayPerMeter    float64                 `json:"delay_per_meter"`
	Tiers            map[allocation.Tier]int `json:"tiers"`
	Geometry         geom.T                  `json:"-"`
}

type observation struct {
	level, levelSq, speed, length, delay float64
	n                                    int
}

func (o *observation) add(j allocation.JamEvent) {
	level := float64(j.Level)
	o.level += level
	o.levelSq += level * level
	o.speed += j.SpeedKMH
	o.length += float64(j.LengthMeters)
	o.delay += float64(j.DelaySeconds)
	o.n++
}

func (o *observation) mean() observation {
	n := float64(o.n)
	return observation{
		level:   o.level / n,
		levelSq: o.levelSq / n,
		speed:   o.speed / n,
		length:  o.length / n,
		delay:   o.delay / n,
		n:       1,
	}
}

// Summarize groups matches by segment. Jams on the same segment with the same
// start time (typically parallel lanes) are averaged into one observation
// before the per-segment means are taken. totalObservations is the number of
// feed snapshots in the window; zero leaves TrafficShare unset.
//
// Results are ordered by traffic share, then jammed minutes, then segment id.
func Summarize(matches []allocation.Match, jams []allocation.JamEvent, segments []allocation.NetworkSegment, totalObservations int) []SegmentSummary {
	type jamKey struct {
		id    string
		start time.Time
	}
	jamsByKey := make(map[jamKey]allocation.JamEvent, len(jams))
	for _, j := range jams {
		jamsByKey[jamKey{j.ID, j.StartTime.UTC()}] = j
	}

	segmentsByID := make(map[int64]allocation.NetworkSegment, len(segments))
	for _, s := range segments {
		segmentsByID[s.ID] = s
	}

	perSegment := make(map[int64]map[time.Time]*observation)
	tiers := make(map[int64]map[allocation.Tier]int)
	for _, m := range matches {
		j, ok := jamsByKey[jamKey{m.JamID, m.JamStartTime.UTC()}]
		if !ok {
			continue
		}
		if perSegment[m.SegmentID] == nil {
			perSegment[m.SegmentID] = make(map[time.Time]*observation)
			tiers[m.SegmentID] = make(map[allocation.Tier]int)
		}
		start := m.JamStartTime.UTC()
		obs := perSegment[m.SegmentID][start]
		if obs == nil {
			obs = &observation{}
			perSegment[m.SegmentID][start] = obs
		}
		obs.add(j)
		tiers[m.SegmentID][m.Tier]++
	}

	summaries := make([]SegmentSummary, 0, len(perSegment))
	for id, byStart := range perSegment {
		var total observation
		for _, obs := range byStart {
			m := obs.mean()
			total.level += m.level
			total.levelSq += m.levelSq
			total.speed += m.speed
			total.length += m.length
			total.delay += m.delay
			total.n++
		}
		mean := total.mean()

		seg := segmentsByID[id]
		s := SegmentSummary{
			SegmentID:        id,
			Street:           seg.Street,
			LengthMeters:     seg.Length,
			JammedMinutes:    len(byStart),
			MeanLevel:        mean.level,
			MeanSquaredLevel: mean.levelSq,
			MeanSpeedKMH:     mean.speed,
			MeanJamLength:    mean.length,
			MeanDelaySeconds: mean.delay,
			Tiers:            tiers[id],
			Geometry:         seg.Geometry,
		}
		if totalObservations > 0 {
			s.TrafficShare = float64(s.JammedMinutes) / float64(totalObservations)
		}
		if seg.Length > 0 {
			s.DelayPerMeter = s.MeanDelaySeconds / seg.Length
		}
		summaries = append(summaries, s)
	}

	sort.Slice(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if a.TrafficShare != b.TrafficShare {
			return a.TrafficShare > b.TrafficShare
		}
		if a.JammedMinutes != b.JammedMinutes {
			return a.JammedMinutes > b.JammedMinutes
		}
		return a.SegmentID < b.SegmentID
	})
	return summaries
}
