package ws_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/polytrack/polytrack-backend/internal/hub"
	"github.com/polytrack/polytrack-backend/internal/lobby"
	"github.com/polytrack/polytrack-backend/internal/race"
	"github.com/polytrack/polytrack-backend/internal/types"
	"github.com/polytrack/polytrack-backend/internal/ws"
)

func testLobbyConfig() lobby.Config {
	return lobby.Config{
		CountdownSeconds: 1,
		GracePeriod:      time.Second,
		Race: race.Config{
			Laps:             1,
			SnapshotInterval: 20 * time.Millisecond,
		},
	}
}

func newServer(t *testing.T, cfg lobby.Config) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.New(ctx, cfg, zap.NewNop(), nil)
	srv := httptest.NewServer(ws.Handler(h, zap.NewNop()))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(m types.ClientMessage) {
	c.t.Helper()
	payload, err := json.Marshal(m)
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, payload))
}

func (c *testClient) sendRaw(data string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, []byte(data)))
}

// recv reads frames until one of the wanted type arrives, skipping broadcasts
// the test does not care about (snapshots, roster churn).
func (c *testClient) recv(msgType string) types.ServerMessage {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := c.conn.Read(ctx)
		require.NoError(c.t, err, "waiting for %q", msgType)
		var m types.ServerMessage
		require.NoError(c.t, json.Unmarshal(data, &m))
		if m.Type == msgType {
			return m
		}
	}
}

func TestEndToEnd_LobbyToResults(t *testing.T) {
	srv := newServer(t, testLobbyConfig())

	// Alice creates a lobby.
	alice := dial(t, srv)
	alice.send(types.ClientMessage{
		Type: types.MsgCreateLobby, PlayerName: "Alice", TrackID: "desert-speedway",
	})
	created := alice.recv(types.MsgLobbyCreated)
	require.Len(t, created.Code, 6)
	require.NotEmpty(t, created.PlayerID)
	require.NotEmpty(t, created.Token)
	require.Len(t, created.Roster, 1)
	require.True(t, created.Roster[0].IsHost)

	// Bob joins with the code, case-insensitively.
	bob := dial(t, srv)
	bob.send(types.ClientMessage{
		Type: types.MsgJoinLobby, PlayerName: "Bob", Code: lower(created.Code),
	})
	joined := bob.recv(types.MsgLobbyJoined)
	require.Len(t, joined.Roster, 2)
	require.False(t, joined.Roster[1].IsHost)

	// Non-host cannot start.
	bob.send(types.ClientMessage{Type: types.MsgStartRace})
	errMsg := bob.recv(types.MsgError)
	require.Equal(t, types.KindForbidden, errMsg.Kind)

	// Host cannot start until everyone is ready.
	alice.send(types.ClientMessage{Type: types.MsgStartRace})
	errMsg = alice.recv(types.MsgError)
	require.Equal(t, types.KindNotReady, errMsg.Kind)

	alice.send(types.ClientMessage{Type: types.MsgSetReady, Ready: true})
	bob.send(types.ClientMessage{Type: types.MsgSetReady, Ready: true})

	alice.send(types.ClientMessage{Type: types.MsgStartRace})
	countdown := alice.recv(types.MsgRaceCountdown)
	require.Equal(t, 1, countdown.SecondsRemaining)

	started := bob.recv(types.MsgRaceStarted)
	require.NotZero(t, started.StartTimestamp)
	alice.recv(types.MsgRaceStarted)

	// Both report positions; authoritative snapshots come back.
	alice.send(types.ClientMessage{
		Type: types.MsgStateUpdate, Position: [3]float64{1, 0, 2}, Heading: 0.3,
	})
	snap := bob.recv(types.MsgRaceState)
	require.NotNil(t, snap.Snapshot)
	require.Len(t, snap.Snapshot.Players, 2)

	// An out-of-order checkpoint is refused without breaking the race.
	alice.send(types.ClientMessage{Type: types.MsgCheckpoint, LapIndex: 2})
	errMsg = alice.recv(types.MsgError)
	require.Equal(t, types.KindStaleReport, errMsg.Kind)

	// Alice completes the single lap and finishes; Bob follows once a
	// snapshot confirms her finish, so the finish order is deterministic.
	alice.send(types.ClientMessage{Type: types.MsgCheckpoint, LapIndex: 1})
	alice.send(types.ClientMessage{Type: types.MsgFinish})
	for {
		snap := bob.recv(types.MsgRaceState)
		if snap.Snapshot.Players[0].Finished {
			break
		}
	}
	bob.send(types.ClientMessage{Type: types.MsgCheckpoint, LapIndex: 1})
	bob.send(types.ClientMessage{Type: types.MsgFinish})

	results := alice.recv(types.MsgRaceResults)
	require.Len(t, results.Results, 2)
	require.Equal(t, created.PlayerID, results.Results[0].PlayerID)
	require.Equal(t, 1, results.Results[0].Position)
	require.True(t, results.Results[0].Finished)
	require.Equal(t, joined.PlayerID, results.Results[1].PlayerID)

	// Lobby returns to forming for a rematch.
	update := bob.recv(types.MsgLobbyUpdate)
	require.Equal(t, "forming", update.LobbyState)
	for _, p := range update.Roster {
		require.False(t, p.Ready)
	}
}

func TestJoin_UnknownCode(t *testing.T) {
	srv := newServer(t, testLobbyConfig())
	c := dial(t, srv)
	c.send(types.ClientMessage{Type: types.MsgJoinLobby, PlayerName: "Zed", Code: "ZZZZZZ"})
	errMsg := c.recv(types.MsgError)
	require.Equal(t, types.KindNotFound, errMsg.Kind)
}

func TestCreate_UnknownTrack(t *testing.T) {
	srv := newServer(t, testLobbyConfig())
	c := dial(t, srv)
	c.send(types.ClientMessage{Type: types.MsgCreateLobby, PlayerName: "Zed", TrackID: "moon-base"})
	errMsg := c.recv(types.MsgError)
	require.Equal(t, types.KindBadRequest, errMsg.Kind)
}

func TestMalformedMessage_ConnectionSurvives(t *testing.T) {
	srv := newServer(t, testLobbyConfig())
	c := dial(t, srv)

	c.sendRaw("{not json")
	errMsg := c.recv(types.MsgError)
	require.Equal(t, types.KindBadRequest, errMsg.Kind)

	// Same connection still works.
	c.send(types.ClientMessage{
		Type: types.MsgCreateLobby, PlayerName: "Alice", TrackID: "forest-rally",
	})
	c.recv(types.MsgLobbyCreated)
}

func TestRaceCommandsBeforeJoining(t *testing.T) {
	srv := newServer(t, testLobbyConfig())
	c := dial(t, srv)
	c.send(types.ClientMessage{Type: types.MsgCheckpoint, LapIndex: 1})
	errMsg := c.recv(types.MsgError)
	require.Equal(t, types.KindBadRequest, errMsg.Kind)
}

func TestRaceTimeout_StragglerForceRanked(t *testing.T) {
	cfg := testLobbyConfig()
	cfg.Race.Timeout = 300 * time.Millisecond
	srv := newServer(t, cfg)

	alice := dial(t, srv)
	alice.send(types.ClientMessage{
		Type: types.MsgCreateLobby, PlayerName: "Alice", TrackID: "desert-speedway",
	})
	created := alice.recv(types.MsgLobbyCreated)

	bob := dial(t, srv)
	bob.send(types.ClientMessage{Type: types.MsgJoinLobby, PlayerName: "Bob", Code: created.Code})
	bob.recv(types.MsgLobbyJoined)

	alice.send(types.ClientMessage{Type: types.MsgSetReady, Ready: true})
	bob.send(types.ClientMessage{Type: types.MsgSetReady, Ready: true})
	alice.send(types.ClientMessage{Type: types.MsgStartRace})
	alice.recv(types.MsgRaceStarted)

	// Alice finishes; Bob goes silent. The timeout must still produce
	// ranked results with Bob unfinished.
	alice.send(types.ClientMessage{Type: types.MsgCheckpoint, LapIndex: 1})
	alice.send(types.ClientMessage{Type: types.MsgFinish})

	results := alice.recv(types.MsgRaceResults)
	require.Len(t, results.Results, 2)
	require.True(t, results.Results[0].Finished)
	require.Equal(t, created.PlayerID, results.Results[0].PlayerID)
	require.False(t, results.Results[1].Finished)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}
