/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func newGameServer(t *testing.T, cfg *Config) (*httptest.Server, *SessionManager) {
	t.Helper()

	mux := httprouter.New()
	sm := newSessionManager(0)
	mux.GET("/play/:code/ws", serveWSForManager(cfg, sm))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, sm
}

// dialGame opens a websocket to the given session. An empty cookie means a
// fresh identity; the server-assigned one is returned either way.
func dialGame(t *testing.T, srv *httptest.Server, code, cookie string) (*websocket.Conn, string) {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/play/" + code + "/ws"

	header := http.Header{}
	if cookie != "" {
		header.Set("Cookie", playerCookieName+"="+cookie)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	id := cookie
	if id == "" {
		for _, c := range resp.Cookies() {
			if c.Name == playerCookieName {
				id = c.Value
			}
		}
	}
	require.NotEmpty(t, id)

	return conn, id
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil drains messages until one of the wanted type arrives, so tests
// don't depend on how many state broadcasts happen in between.
func readUntil(t *testing.T, conn *websocket.Conn, wanted string) map[string]any {
	t.Helper()

	for i := 0; i < 16; i++ {
		msg := readMessage(t, conn)
		if msg["type"] == wanted {
			return msg
		}
	}
	t.Fatalf("no %q message received", wanted)
	return nil
}

// readStateWhere drains broadcasts until a state snapshot matching the
// predicate arrives, since clients also receive roster updates in between.
func readStateWhere(t *testing.T, conn *websocket.Conn, pred func(map[string]any) bool) map[string]any {
	t.Helper()

	for i := 0; i < 16; i++ {
		msg := readMessage(t, conn)
		if msg["type"] != "state" {
			continue
		}
		if pred(msg) {
			return msg
		}
	}
	t.Fatal("no matching state snapshot received")
	return nil
}

func challengeInPhase(phase string) func(map[string]any) bool {
	return func(state map[string]any) bool {
		challenge, ok := state["currentChallenge"].(map[string]any)
		return ok && challenge["phase"] == phase
	}
}

func gameCode(sm *SessionManager, hub *Hub) string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return hub.code
}

func TestFirstConnectionBecomesAdmin(t *testing.T) {
	cfg := testConfig(t)
	srv, sm := newGameServer(t, cfg)

	hub := sm.create(cfg)
	code := gameCode(sm, hub)

	admin, _ := dialGame(t, srv, code, "")

	info := readUntil(t, admin, "session_info")
	require.Equal(t, true, info["isAdmin"])
	require.Equal(t, code, info["gameCode"])

	state := readUntil(t, admin, "state")
	require.Equal(t, code, state["gameCode"])
	require.Nil(t, state["currentChallenge"])

	// A second connection with a different cookie is just a player.
	player, _ := dialGame(t, srv, code, "")
	info = readUntil(t, player, "session_info")
	require.Equal(t, false, info["isAdmin"])
	require.Nil(t, info["gameCode"])
}

func TestUnknownCodeRejected(t *testing.T) {
	cfg := testConfig(t)
	srv, _ := newGameServer(t, cfg)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/play/0000/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTeamJoinFlow(t *testing.T) {
	cfg := testConfig(t)
	srv, sm := newGameServer(t, cfg)

	hub := sm.create(cfg)
	code := gameCode(sm, hub)

	admin, _ := dialGame(t, srv, code, "")
	readUntil(t, admin, "state")

	team, _ := dialGame(t, srv, code, "")
	readUntil(t, team, "state")

	require.NoError(t, team.WriteJSON(ClientMessage{Type: "join", Code: "9999", TeamName: "Nisserne"}))
	result := readUntil(t, team, "join_result")
	require.Equal(t, false, result["ok"])
	require.NotEmpty(t, result["message"])

	require.NoError(t, team.WriteJSON(ClientMessage{Type: "join", Code: code, TeamName: "Nisserne"}))
	result = readUntil(t, team, "join_result")
	require.Equal(t, true, result["ok"])

	joined := result["team"].(map[string]any)
	require.Equal(t, "Nisserne", joined["name"])

	// Everyone, the admin included, sees the roster update.
	state := readUntil(t, admin, "state")
	teams := state["teams"].([]any)
	require.Len(t, teams, 1)
}

func TestBuzzLocksRoundForEveryone(t *testing.T) {
	cfg := testConfig(t)
	srv, sm := newGameServer(t, cfg)

	hub := sm.create(cfg)
	code := gameCode(sm, hub)

	admin, _ := dialGame(t, srv, code, "")
	readUntil(t, admin, "state")

	team, _ := dialGame(t, srv, code, "")
	readUntil(t, team, "state")
	require.NoError(t, team.WriteJSON(ClientMessage{Type: "join", Code: code, TeamName: "Nisserne"}))
	result := readUntil(t, team, "join_result")
	require.Equal(t, true, result["ok"])

	require.NoError(t, admin.WriteJSON(ClientMessage{Type: "select_challenge", CardID: "gp1"}))

	state := readStateWhere(t, team, challengeInPhase(phaseListening))
	challenge := state["currentChallenge"].(map[string]any)
	require.Equal(t, "gp1", challenge["id"])

	require.NoError(t, team.WriteJSON(ClientMessage{Type: "buzz", AudioPosition: 12.5}))

	buzzed := readUntil(t, admin, "buzzed")
	require.Equal(t, "Nisserne", buzzed["teamName"])

	state = readStateWhere(t, admin, challengeInPhase(phaseLocked))
	challenge = state["currentChallenge"].(map[string]any)

	firstBuzz := challenge["firstBuzz"].(map[string]any)
	require.Equal(t, "Nisserne", firstBuzz["teamName"])
	require.Equal(t, 12.5, firstBuzz["audioPosition"])
}

func TestAdminCommandsRequireAdminCookie(t *testing.T) {
	cfg := testConfig(t)
	srv, sm := newGameServer(t, cfg)

	hub := sm.create(cfg)
	code := gameCode(sm, hub)

	admin, _ := dialGame(t, srv, code, "")
	readUntil(t, admin, "state")

	team, _ := dialGame(t, srv, code, "")
	readUntil(t, team, "state")

	require.NoError(t, team.WriteJSON(ClientMessage{Type: "start_game"}))

	// The command is dropped: no start_result arrives and the session keeps
	// its code.
	require.NoError(t, team.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var msg map[string]any
	err := team.ReadJSON(&msg)
	require.Error(t, err)

	require.Same(t, hub, sm.find(code))
}

func TestStartGameIssuesFreshCode(t *testing.T) {
	cfg := testConfig(t)
	srv, sm := newGameServer(t, cfg)

	hub := sm.create(cfg)
	code := gameCode(sm, hub)

	admin, _ := dialGame(t, srv, code, "")
	readUntil(t, admin, "state")

	require.NoError(t, admin.WriteJSON(ClientMessage{Type: "start_game"}))

	result := readUntil(t, admin, "start_result")
	require.Equal(t, true, result["ok"])

	newCode := result["gameCode"].(string)
	require.NotEqual(t, code, newCode)
	require.Nil(t, sm.find(code))
	require.Same(t, hub, sm.find(newCode))

	state := readUntil(t, admin, "state")
	require.Equal(t, newCode, state["gameCode"])
	require.Nil(t, state["teams"])
}

func TestPushedCodeReRegistersSession(t *testing.T) {
	cfg := testConfig(t)
	srv, sm := newGameServer(t, cfg)

	hub := sm.create(cfg)
	code := gameCode(sm, hub)

	admin, _ := dialGame(t, srv, code, "")
	readUntil(t, admin, "state")

	pushed := "4321"
	if code == pushed {
		pushed = "4322"
	}

	require.NoError(t, admin.WriteJSON(ClientMessage{
		Type:  "update_state",
		State: []byte(`{"gameCode":"` + pushed + `"}`),
	}))

	state := readStateWhere(t, admin, func(s map[string]any) bool {
		return s["gameCode"] == pushed
	})
	require.Equal(t, pushed, state["gameCode"])

	// The registry follows the pushed code.
	require.Eventually(t, func() bool {
		return sm.find(pushed) == hub && sm.find(code) == nil
	}, time.Second, 10*time.Millisecond)
}

func TestPushedCodeCollisionKeepsRegisteredCode(t *testing.T) {
	cfg := testConfig(t)
	srv, sm := newGameServer(t, cfg)

	hub := sm.create(cfg)
	code := gameCode(sm, hub)

	other := sm.create(cfg)
	otherCode := gameCode(sm, other)

	admin, _ := dialGame(t, srv, code, "")
	readUntil(t, admin, "state")

	require.NoError(t, admin.WriteJSON(ClientMessage{
		Type:  "update_state",
		State: []byte(`{"gameCode":"` + otherCode + `"}`),
	}))

	// The colliding code is rolled back and rebroadcast, so the screen
	// never ends up displaying a code that routes to another session.
	state := readStateWhere(t, admin, func(s map[string]any) bool {
		return s["gameCode"] == code
	})
	require.Equal(t, code, state["gameCode"])

	require.Same(t, hub, sm.find(code))
	require.Same(t, other, sm.find(otherCode))
}

func TestVotingIsAnonymousForTeams(t *testing.T) {
	cfg := testConfig(t)
	srv, sm := newGameServer(t, cfg)

	hub := sm.create(cfg)
	code := gameCode(sm, hub)

	admin, _ := dialGame(t, srv, code, "")
	readUntil(t, admin, "state")

	teamA, _ := dialGame(t, srv, code, "")
	readUntil(t, teamA, "state")
	require.NoError(t, teamA.WriteJSON(ClientMessage{Type: "join", Code: code, TeamName: "A"}))
	readUntil(t, teamA, "join_result")

	teamB, _ := dialGame(t, srv, code, "")
	readUntil(t, teamB, "state")
	require.NoError(t, teamB.WriteJSON(ClientMessage{Type: "join", Code: code, TeamName: "B"}))
	readUntil(t, teamB, "join_result")

	require.NoError(t, admin.WriteJSON(ClientMessage{Type: "select_challenge", CardID: "jk1"}))
	readStateWhere(t, teamA, challengeInPhase(phaseWriting))

	require.NoError(t, teamA.WriteJSON(ClientMessage{Type: "submit_card", Text: "glædelig jul"}))

	submission := readUntil(t, teamB, "new_submission")
	require.Equal(t, "A", submission["teamName"])

	hasEntries := func(state map[string]any) bool {
		challenge, ok := state["currentChallenge"].(map[string]any)
		if !ok {
			return false
		}
		entries, ok := challenge["entries"].([]any)
		return ok && len(entries) > 0
	}

	// Team clients see the entry text but not who wrote it.
	state := readStateWhere(t, teamB, hasEntries)
	challenge := state["currentChallenge"].(map[string]any)
	entries := challenge["entries"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	require.Equal(t, "glædelig jul", entry["text"])
	require.Nil(t, entry["teamName"])
	require.Nil(t, entry["teamId"])

	// The admin view keeps full attribution.
	state = readStateWhere(t, admin, hasEntries)
	challenge = state["currentChallenge"].(map[string]any)
	entries = challenge["entries"].([]any)
	entry = entries[0].(map[string]any)
	require.Equal(t, "A", entry["teamName"])
}

func TestStoredFileExists(t *testing.T) {
	cfg := testConfig(t)

	require.False(t, storedFileExists(cfg, ""))
	require.False(t, storedFileExists(cfg, "../etc/passwd"))
	require.False(t, storedFileExists(cfg, ".hidden.png"))
	require.False(t, storedFileExists(cfg, "missing.png"))

	name := "abc123.png"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.uploads, name), []byte("png"), 0644))
	require.True(t, storedFileExists(cfg, name))
}
