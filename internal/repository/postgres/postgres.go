package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twpayne/go-geom"

	"github.com/dpup/jamalloc/internal/lib/allocation"
	"github.com/dpup/jamalloc/internal/lib/geo"
)

//go:embed schema.sql
var schema string

// DB is the subset of *pgxpool.Pool the repository uses
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
}

// Repository persists sections, jams, allocation results and checkpoints
type Repository struct {
	db DB
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// Connect opens a connection pool
func Connect(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, errors.New("postgres: database url is not configured")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to connect: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the tables if they do not exist
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: failed to create schema: %w", err)
	}
	return nil
}

// Health checks database connectivity
func (r *Repository) Health(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: health check failed: %w", err)
	}
	return nil
}

// SaveSections upserts road network sections
func (r *Repository) SaveSections(ctx context.Context, sections []Section) error {
	if len(sections) == 0 {
		return nil
	}

	query := `
		INSERT INTO sections (
			id, street, length_meters, start_x, start_y, mid_x, mid_y,
			end_x, end_y, srid, geom_wkb
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			street = EXCLUDED.street,
			length_meters = EXCLUDED.length_meters,
			start_x = EXCLUDED.start_x, start_y = EXCLUDED.start_y,
			mid_x = EXCLUDED.mid_x, mid_y = EXCLUDED.mid_y,
			end_x = EXCLUDED.end_x, end_y = EXCLUDED.end_y,
			srid = EXCLUDED.srid,
			geom_wkb = EXCLUDED.geom_wkb
	`

	batch := &pgx.Batch{}
	for _, s := range sections {
		var wkb []byte
		if s.Geometry != nil {
			encoded, err := encodeGeometry(s.Geometry)
			if err != nil {
				return fmt.Errorf("postgres: section %d: %w", s.ID, err)
			}
			wkb = encoded
		}
		batch.Queue(query,
			s.ID, s.Street, s.Length, s.Start.X, s.Start.Y, s.Mid.X, s.Mid.Y,
			s.End.X, s.End.Y, s.SRID, wkb,
		)
	}

	return r.sendBatch(ctx, batch, "save sections")
}

// LoadSegments returns the whole road network as allocation segments, ordered by id
func (r *Repository) LoadSegments(ctx context.Context) ([]allocation.NetworkSegment, error) {
	query := `
		SELECT id, street, length_meters, start_x, start_y, mid_x, mid_y,
			   end_x, end_y, srid, geom_wkb
		FROM sections
		ORDER BY id
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query sections: %w", err)
	}
	defer rows.Close()

	var segments []allocation.NetworkSegment
	for rows.Next() {
		var s Section
		var wkb []byte
		err := rows.Scan(
			&s.ID, &s.Street, &s.Length, &s.Start.X, &s.Start.Y, &s.Mid.X, &s.Mid.Y,
			&s.End.X, &s.End.Y, &s.SRID, &wkb,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan section row: %w", err)
		}
		if len(wkb) > 0 {
			g, err := decodeGeometry(wkb, s.SRID)
			if err != nil {
				return nil, fmt.Errorf("postgres: section %d: %w", s.ID, err)
			}
			s.Geometry = g
		}
		segments = append(segments, s.Segment())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to read sections: %w", err)
	}

	return segments, nil
}

// SaveJams stores ingested jams; jams already stored are left unchanged
func (r *Repository) SaveJams(ctx context.Context, jams []allocation.JamEvent) (int, error) {
	if len(jams) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO jams (
			id, start_time, street, city, level, speed_kmh, length_meters,
			delay_seconds, pub_millis, geom_wkb
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (start_time, id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, j := range jams {
		wkb, err := encodeGeometry(j.Geographic)
		if err != nil {
			return 0, fmt.Errorf("postgres: jam %s: %w", j.ID, err)
		}
		batch.Queue(query,
			j.ID, j.StartTime, j.Street, j.City, j.Level, j.SpeedKMH, j.LengthMeters,
			j.DelaySeconds, j.PubMillis, wkb,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("postgres: failed to save jams: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// CountJams counts jams that started in [from, to)
func (r *Repository) CountJams(ctx context.Context, from, to time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM jams WHERE start_time >= $1 AND start_time < $2`,
		from, to,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to count jams: %w", err)
	}
	return count, nil
}

// LoadJamPage returns up to limit jams that started in [from, to), skipping
// offset, in (start_time, id) order so pages are stable across calls
func (r *Repository) LoadJamPage(ctx context.Context, from, to time.Time, offset, limit int) ([]allocation.JamEvent, error) {
	query := `
		SELECT id, start_time, street, city, level, speed_kmh, length_meters,
			   delay_seconds, pub_millis, geom_wkb
		FROM jams
		WHERE start_time >= $1 AND start_time < $2
		ORDER BY start_time, id
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Query(ctx, query, from, to, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query jams: %w", err)
	}
	defer rows.Close()

	var jams []allocation.JamEvent
	for rows.Next() {
		var j allocation.JamEvent
		var wkb []byte
		err := rows.Scan(
			&j.ID, &j.StartTime, &j.Street, &j.City, &j.Level, &j.SpeedKMH, &j.LengthMeters,
			&j.DelaySeconds, &j.PubMillis, &wkb,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan jam row: %w", err)
		}
		g, err := decodeGeometry(wkb, geo.WGS84SRID)
		if err != nil {
			return nil, fmt.Errorf("postgres: jam %s: %w", j.ID, err)
		}
		j.Geographic = g
		jams = append(jams, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to read jams: %w", err)
	}

	return jams, nil
}

// SaveMatches stores allocation results; re-running a page is a no-op
func (r *Repository) SaveMatches(ctx context.Context, matches []allocation.Match) error {
	if len(matches) == 0 {
		return nil
	}

	query := `
		INSERT INTO jam_per_section (jam_start_time, jam_id, section_id, tier)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (jam_start_time, jam_id, section_id) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, m := range matches {
		batch.Queue(query, m.JamStartTime, m.JamID, m.SegmentID, int16(m.Tier))
	}
	return r.sendBatch(ctx, batch, "save matches")
}

// LoadMatches returns the stored results for jams that started in [from, to)
func (r *Repository) LoadMatches(ctx context.Context, from, to time.Time) ([]allocation.Match, error) {
	query := `
		SELECT jam_start_time, jam_id, section_id, tier
		FROM jam_per_section
		WHERE jam_start_time >= $1 AND jam_start_time < $2
		ORDER BY jam_start_time, jam_id, section_id
	`

	rows, err := r.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query matches: %w", err)
	}
	defer rows.Close()

	var matches []allocation.Match
	for rows.Next() {
		var m allocation.Match
		var tier int16
		if err := rows.Scan(&m.JamStartTime, &m.JamID, &m.SegmentID, &tier); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan match row: %w", err)
		}
		m.Tier = allocation.Tier(tier)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to read matches: %w", err)
	}
	return matches, nil
}

// DeleteMatches flushes results for jams that started in [from, to) before a re-run
func (r *Repository) DeleteMatches(ctx context.Context, from, to time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM jam_per_section WHERE jam_start_time >= $1 AND jam_start_time < $2`,
		from, to,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to delete matches: %w", err)
	}
	return tag.RowsAffected(), nil
}

// IsPageDone reports whether page of runKey was already allocated
func (r *Repository) IsPageDone(ctx context.Context, runKey string, page int) (bool, error) {
	var done bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM allocation_checkpoints WHERE run_key = $1 AND page = $2)`,
		runKey, page,
	).Scan(&done)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to read checkpoint: %w", err)
	}
	return done, nil
}

// MarkPageDone records page of runKey as allocated
func (r *Repository) MarkPageDone(ctx context.Context, runKey string, page int) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO allocation_checkpoints (run_key, page) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		runKey, page,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to write checkpoint: %w", err)
	}
	return nil
}

// ClearCheckpoints forgets every completed page of runKey
func (r *Repository) ClearCheckpoints(ctx context.Context, runKey string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM allocation_checkpoints WHERE run_key = $1`, runKey); err != nil {
		return fmt.Errorf("postgres: failed to clear checkpoints: %w", err)
	}
	return nil
}

func (r *Repository) sendBatch(ctx context.Context, batch *pgx.Batch, op string) error {
	results := r.db.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("postgres: failed to %s: %w", op, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("postgres: failed to %s: %w", op, err)
	}
	return nil
}

// Section is one stored road network unit
type Section struct {
	ID     int64
	Street string
	Length float64
	Start  geo.PlanarPoint
	Mid    geo.PlanarPoint
	End    geo.PlanarPoint
	SRID   int

	// Geometry is the full planar trace, when known
	Geometry geom.T
}

// NewSectionFromLine derives the start, mid and end points of a planar trace
func NewSectionFromLine(id int64, street string, line *geom.LineString) (Section, error) {
	parts, err := geo.LineParts(line)
	if err != nil {
		return Section{}, err
	}
	points := parts[0]
	return Section{
		ID:       id,
		Street:   street,
		Length:   geo.PathLength(points),
		Start:    points[0],
		Mid:      geo.PathMidpoint(points),
		End:      points[len(points)-1],
		SRID:     line.SRID(),
		Geometry: line,
	}, nil
}

// Segment converts the section into an allocation segment, preferring the
// full trace over the start-mid-end polyline
func (s Section) Segment() allocation.NetworkSegment {
	if s.Geometry != nil {
		return allocation.NetworkSegment{
			ID:       s.ID,
			Street:   s.Street,
			Length:   s.Length,
			Geometry: s.Geometry,
		}
	}
	return allocation.NewSectionSegment(s.ID, s.Street, s.Length, s.Start, s.Mid, s.End, s.SRID)
}
