package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/rubiojr/tripguide/pkg/geo"
)

// History records the search queries a user committed to (picked a result
// for), for the "recent searches" list.
type History struct {
	db *sql.DB
}

// HistoryEntry is one distinct recent query. Coordinates are set when the
// query resolved to a landmark.
type HistoryEntry struct {
	Query       string          `json:"query"`
	Coordinates *geo.Coordinate `json:"coordinates,omitempty"`
}

func initHistorySchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS search_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query TEXT NOT NULL,
		lat REAL,
		lon REAL,
		at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("history schema: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_search_history_query_id ON search_history(query, id)`)
	return nil
}

// Add stores q. Blank queries are ignored.
func (h *History) Add(q string, at *geo.Coordinate) error {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil
	}
	var err error
	if at != nil {
		_, err = h.db.Exec(`INSERT INTO search_history(query, lat, lon) VALUES(?,?,?)`, q, at.Latitude, at.Longitude)
	} else {
		_, err = h.db.Exec(`INSERT INTO search_history(query) VALUES(?)`, q)
	}
	return err
}

// Recent returns up to limit distinct queries, most recent first. Each query
// carries the coordinates of its latest insertion.
func (h *History) Recent(limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := h.db.Query(`
		SELECT sh.query, sh.lat, sh.lon
		FROM search_history sh
		JOIN (
			SELECT query, MAX(id) AS max_id
			FROM search_history
			WHERE query <> ''
			GROUP BY query
		) latest ON latest.max_id = sh.id
		ORDER BY sh.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&e.Query, &lat, &lon); err != nil {
			return nil, err
		}
		if lat.Valid && lon.Valid {
			e.Coordinates = &geo.Coordinate{Latitude: lat.Float64, Longitude: lon.Float64}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Clear forgets every query.
func (h *History) Clear() error {
	_, err := h.db.Exec(`DELETE FROM search_history`)
	return err
}
