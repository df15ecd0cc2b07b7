package store

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/polytrack/polytrack-backend/internal/types"
)

// ResultRow is one player's row of a persisted race result.
type ResultRow struct {
	ID         uint   `gorm:"primaryKey"`
	LobbyCode  string `gorm:"index"`
	TrackID    string
	PlayerID   string
	PlayerName string
	Position   int
	Finished   bool
	TotalMS    int64
	Laps       int
	RacedAt    time.Time
}

// Store persists race results to postgres. A nil *Store is a valid no-op, so
// callers never branch on whether persistence is configured.
type Store struct {
	db *gorm.DB
}

func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ResultRow{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) SaveResults(ctx context.Context, code, trackID string, results []types.RaceResult) error {
	if s == nil {
		return nil
	}
	now := time.Now()
	rows := make([]ResultRow, 0, len(results))
	for _, r := range results {
		rows = append(rows, ResultRow{
			LobbyCode:  code,
			TrackID:    trackID,
			PlayerID:   r.PlayerID,
			PlayerName: r.PlayerName,
			Position:   r.Position,
			Finished:   r.Finished,
			TotalMS:    r.TotalMS,
			Laps:       r.Laps,
			RacedAt:    now,
		})
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}
