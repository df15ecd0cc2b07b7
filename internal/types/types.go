package types

// Wire protocol: every frame is a JSON object with a "type" tag and a flat
// payload. Client and server message shapes share one struct each so the ws
// layer can decode without a two-pass tag switch.

// Client -> server message types.
const (
	MsgCreateLobby = "create_lobby"
	MsgJoinLobby   = "join_lobby"
	MsgRejoin      = "rejoin"
	MsgSetReady    = "set_ready"
	MsgStartRace   = "start_race"
	MsgLeave       = "leave"
	MsgStateUpdate = "state_update"
	MsgCheckpoint  = "checkpoint"
	MsgFinish      = "finish"
)

// Server -> client message types.
const (
	MsgLobbyCreated  = "lobby_created"
	MsgLobbyJoined   = "lobby_joined"
	MsgLobbyUpdate   = "lobby_update"
	MsgRaceCountdown = "race_countdown"
	MsgRaceStarted   = "race_started"
	MsgRaceState     = "race_state"
	MsgRaceResults   = "race_results"
	MsgError         = "error"
)

// Error kinds carried in the "kind" field of an error payload.
const (
	KindNotFound      = "not_found"
	KindFull          = "full"
	KindAlreadyRacing = "already_racing"
	KindForbidden     = "forbidden"
	KindNotReady      = "not_ready"
	KindStaleReport   = "stale_report"
	KindTimeout       = "timeout"
	KindBadRequest    = "bad_request"
)

// Transform is a vehicle pose: world position plus heading in radians.
type Transform struct {
	Position [3]float64 `json:"position"`
	Heading  float64    `json:"heading"`
}

// PlayerInfo is a roster entry as seen on the wire.
type PlayerInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsHost    bool   `json:"isHost"`
	Ready     bool   `json:"ready"`
	Connected bool   `json:"connected"`
}

// PlayerState is one player's slice of an authoritative race snapshot.
type PlayerState struct {
	ID        string    `json:"id"`
	Transform Transform `json:"transform"`
	Lap       int       `json:"lap"`
	Finished  bool      `json:"finished"`
}

// RaceSnapshot is the periodic authoritative state broadcast during a race.
type RaceSnapshot struct {
	ServerTime int64         `json:"serverTime"` // unix millis at snapshot
	Players    []PlayerState `json:"players"`
}

// RaceResult is one row of the ranked post-race standings.
type RaceResult struct {
	PlayerID   string  `json:"playerId"`
	PlayerName string  `json:"playerName"`
	Position   int     `json:"position"`
	Finished   bool    `json:"finished"`
	TotalMS    int64   `json:"totalMs,omitempty"`
	Laps       int     `json:"laps"`
	LapMS      []int64 `json:"lapMs,omitempty"`
	BestLapMS  int64   `json:"bestLapMs,omitempty"`
}

type ClientMessage struct {
	Type            string     `json:"type"`
	PlayerName      string     `json:"playerName,omitempty"`
	TrackID         string     `json:"trackId,omitempty"`
	Code            string     `json:"code,omitempty"`
	Token           string     `json:"token,omitempty"`
	Ready           bool       `json:"ready,omitempty"`
	LapIndex        int        `json:"lapIndex,omitempty"`
	Position        [3]float64 `json:"position,omitempty"`
	Heading         float64    `json:"heading,omitempty"`
	ClientTimestamp int64      `json:"clientTimestamp,omitempty"`
}

type ServerMessage struct {
	Type             string        `json:"type"`
	Kind             string        `json:"kind,omitempty"`
	Message          string        `json:"message,omitempty"`
	Code             string        `json:"code,omitempty"`
	PlayerID         string        `json:"playerId,omitempty"`
	Token            string        `json:"token,omitempty"`
	TrackID          string        `json:"trackId,omitempty"`
	LobbyState       string        `json:"state,omitempty"`
	Roster           []PlayerInfo  `json:"roster,omitempty"`
	SecondsRemaining int           `json:"secondsRemaining,omitempty"`
	StartTimestamp   int64         `json:"startTimestamp,omitempty"`
	Snapshot         *RaceSnapshot `json:"snapshot,omitempty"`
	Results          []RaceResult  `json:"results,omitempty"`
}
