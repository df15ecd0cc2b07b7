package config

import (
	"time"
)

// Config is the server's runtime configuration, populated from flags and
// PTRK_-prefixed environment variables in cmd/server.
type Config struct {
	Addr             string
	CountdownSeconds int
	GracePeriod      time.Duration
	RaceTimeout      time.Duration
	SnapshotInterval time.Duration
	LobbyIdleTimeout time.Duration
	// Laps overrides the per-track default when > 0.
	Laps int
	// ResultsDSN enables postgres persistence of race results when set.
	ResultsDSN string
	Dev        bool
}

func Default() Config {
	return Config{
		Addr:             ":8080",
		CountdownSeconds: 3,
		GracePeriod:      15 * time.Second,
		RaceTimeout:      10 * time.Minute,
		SnapshotInterval: 100 * time.Millisecond,
		LobbyIdleTimeout: 10 * time.Minute,
	}
}
