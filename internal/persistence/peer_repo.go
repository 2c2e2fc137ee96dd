package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PeerSighting is one persisted subscriber-table observation.
type PeerSighting struct {
	Addr         string
	Group        string
	Version      string
	Responding   bool
	ContentIndex uint8
	LastSeenAt   time.Time
}

type PeerRepo struct {
	db *sql.DB
}

func NewPeerRepo(db *sql.DB) *PeerRepo {
	return &PeerRepo{db: db}
}

func (r *PeerRepo) Upsert(ctx context.Context, s PeerSighting) error {
	responding := int64(0)
	if s.Responding {
		responding = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO peer_sightings(addr, grp, version, responding, content_index, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(addr) DO UPDATE SET
			grp = excluded.grp,
			version = excluded.version,
			responding = excluded.responding,
			content_index = excluded.content_index,
			last_seen_at = excluded.last_seen_at
	`, s.Addr, s.Group, s.Version, responding, int64(s.ContentIndex), s.LastSeenAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert peer sighting: %w", err)
	}
	return nil
}

func (r *PeerRepo) ListSortedByLastSeen(ctx context.Context) ([]PeerSighting, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT addr, grp, version, responding, content_index, last_seen_at
		FROM peer_sightings
		ORDER BY last_seen_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list peer sightings: %w", err)
	}
	defer rows.Close()

	var out []PeerSighting
	for rows.Next() {
		var (
			s          PeerSighting
			responding int64
			index      int64
			seenMs     int64
		)
		if err := rows.Scan(&s.Addr, &s.Group, &s.Version, &responding, &index, &seenMs); err != nil {
			return nil, fmt.Errorf("scan peer sighting: %w", err)
		}
		s.Responding = responding != 0
		s.ContentIndex = uint8(index)
		s.LastSeenAt = time.UnixMilli(seenMs)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer sightings: %w", err)
	}
	return out, nil
}
