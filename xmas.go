// Julebox Xmas Challenge
//
// One admin screen drives a shared game state (teams, points, active
// challenge) and any number of team clients connect over websockets to view
// the current challenge, buzz in, submit cards and photos, and vote.
//
// Features:
// - WebSockets per game session: /play/:code and /play/:code/ws
// - Sessions addressed by 4-digit join codes, collision-checked, reaped when idle
// - First connection to a session becomes the admin (cookie identity)
// - Teams join with the code and a display name, unique case-insensitively
// - Disconnected teams keep their record and rejoin under the same name
// - Admin pushes full-state snapshots; the server merges them field by field
// - Nisse Grandprix buzzer race: first buzz accepted by the server locks the
//   round, wrong answers lock the team out and resume the audio for the rest
// - Synchronized playback and countdowns via absolute timestamps, so clients
//   with drifting clocks converge on the same wall-clock target
// - Card and photo contests: one submission per team, anonymized shuffled
//   voting, last-vote-wins, ties all score
// - In-browser QR button to share the current session, backed by go-qrcode

package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type          string          `json:"type"`                    // see the per-field comments
	Code          string          `json:"code,omitempty"`          // join
	TeamName      string          `json:"teamName,omitempty"`      // join
	AudioPosition float64         `json:"audioPosition,omitempty"` // buzz
	Text          string          `json:"text,omitempty"`          // submit_card / gp_answer
	Filename      string          `json:"filename,omitempty"`      // submit_photo
	Index         *int            `json:"index,omitempty"`         // vote
	CardID        string          `json:"cardId,omitempty"`        // select_challenge
	Result        string          `json:"result,omitempty"`        // verdict
	TeamID        string          `json:"teamId,omitempty"`        // verdict / adjust_points
	Delta         int             `json:"delta,omitempty"`         // adjust_points
	State         json.RawMessage `json:"state,omitempty"`         // update_state
}

// StateMessage carries the full session snapshot to every client.
type StateMessage struct {
	Type             string     `json:"type"` // "state"
	GameCode         string     `json:"gameCode,omitempty"`
	Teams            []*Team    `json:"teams"`
	Deck             []Card     `json:"deck"`
	CurrentChallenge *Challenge `json:"currentChallenge"`
}

// SessionInfoMessage is sent immediately on connect so the client knows what
// role this cookie has.
type SessionInfoMessage struct {
	Type      string `json:"type"` // "session_info"
	IsAdmin   bool   `json:"isAdmin"`
	GameCode  string `json:"gameCode,omitempty"`  // only revealed to the admin
	CreatedAt int64  `json:"createdAt,omitempty"` // unix ms, admin only
}

// JoinResultMessage acknowledges a join attempt to the joining client only.
type JoinResultMessage struct {
	Type    string `json:"type"` // "join_result"
	OK      bool   `json:"ok"`
	Team    *Team  `json:"team,omitempty"`
	Message string `json:"message,omitempty"`
}

// StartResultMessage acknowledges start_game to the admin.
type StartResultMessage struct {
	Type     string `json:"type"` // "start_result"
	OK       bool   `json:"ok"`
	GameCode string `json:"gameCode,omitempty"`
}

// BuzzedMessage tells everyone who buzzed first.
type BuzzedMessage struct {
	Type     string `json:"type"` // "buzzed"
	TeamName string `json:"teamName"`
}

// NewSubmissionMessage is the live feed entry for a card or photo submission.
type NewSubmissionMessage struct {
	Type     string `json:"type"` // "new_submission"
	TeamName string `json:"teamName"`
	Text     string `json:"text,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// PointsToastMessage announces a point change for display on every screen.
type PointsToastMessage struct {
	Type     string `json:"type"` // "points_toast"
	TeamName string `json:"teamName"`
	Delta    int    `json:"delta"`
}

// VoteUpdateMessage is UI feedback that a team has voted (never the choice).
type VoteUpdateMessage struct {
	Type  string `json:"type"` // "vote_update"
	Voter string `json:"voter"`
}

// AnswerMessage relays the buzzing team's typed Grandprix answer.
type AnswerMessage struct {
	Type     string `json:"type"` // "gp_answer"
	TeamName string `json:"teamName"`
	Text     string `json:"text"`
}

// SimpleMessage is for generic notifications ("error", "stop_audio", etc.)
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
	teamID   string // bound on join, guarded by the hub mutex
}

type joinRequest struct {
	client *Client
	msg    ClientMessage
}

type adminCommand struct {
	client *Client
	msg    ClientMessage
}

type playRequest struct {
	client *Client
	msg    ClientMessage
}

type Hub struct {
	code    string // registry key, guarded by the manager's mutex
	session *Session
	manager *SessionManager

	clients map[*Client]bool

	register chan *Client
	unreg    chan *Client
	joins    chan joinRequest
	admin    chan adminCommand
	plays    chan playRequest

	mu sync.RWMutex

	createdAt     time.Time
	lastActive    time.Time
	adminPlayerID string // cookie/playerID of the admin screen
}

func newHub(code string, session *Session, manager *SessionManager) *Hub {
	now := time.Now()
	return &Hub{
		code:       code,
		session:    session,
		manager:    manager,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		joins:      make(chan joinRequest),
		admin:      make(chan adminCommand),
		plays:      make(chan playRequest),
		createdAt:  now,
		lastActive: now,
	}
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.lastActive = time.Now()

			// First connection becomes the admin
			if h.adminPlayerID == "" {
				h.adminPlayerID = c.playerID
			}
			isAdmin := (h.adminPlayerID == c.playerID)

			h.clients[c] = true

			info := SessionInfoMessage{
				Type:    "session_info",
				IsAdmin: isAdmin,
			}
			if isAdmin {
				info.GameCode = h.session.code
				info.CreatedAt = h.createdAt.UnixMilli()
			}
			h.sendLocked(c, info)
			h.sendLocked(c, h.stateMessageLocked(c))

			h.mu.Unlock()

		case c := <-h.unreg:
			h.mu.Lock()
			h.lastActive = time.Now()

			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

			// The team record persists; the binding is rebuilt by an
			// explicit re-join after reconnect.

		case jr := <-h.joins:
			h.handleJoin(cfg, jr)

		case cmd := <-h.admin:
			h.handleAdmin(cfg, cmd)

		case pr := <-h.plays:
			h.handlePlay(cfg, pr)
		}
	}
}

// stateMessageLocked builds the snapshot a particular client may see: the
// admin gets full attribution, teams get entries redacted while voting is
// open.
func (h *Hub) stateMessageLocked(c *Client) StateMessage {
	s := h.session

	ch := s.challenge
	if c == nil || c.playerID != h.adminPlayerID {
		ch = ch.redacted()
	}

	return StateMessage{
		Type:             "state",
		GameCode:         s.code,
		Teams:            s.teams,
		Deck:             s.deck,
		CurrentChallenge: ch,
	}
}

func (h *Hub) sendLocked(c *Client, msg any) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcastLocked(msg any) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) broadcastStateLocked() {
	for client := range h.clients {
		select {
		case client.send <- h.stateMessageLocked(client):
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) teamConnectedLocked(teamID string) bool {
	for client := range h.clients {
		if client.teamID == teamID {
			return true
		}
	}
	return false
}

// handleJoin processes "join" messages.
func (h *Hub) handleJoin(cfg *Config, jr joinRequest) {
	c := jr.client
	msg := jr.msg

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	team, err := h.session.joinTeam(msg.Code, msg.TeamName, h.teamConnectedLocked)
	if err != nil {
		var msgText string
		switch err {
		case errEmptyName:
			msgText = "Write a team name first."
		case errWrongCode:
			msgText = "Wrong game code. Check the code on the main screen."
		case errNameTaken:
			msgText = "That team name is already taken. Please choose a different name."
		default:
			msgText = "Could not join the game. Please try again."
		}

		h.sendLocked(c, JoinResultMessage{
			Type:    "join_result",
			OK:      false,
			Message: msgText,
		})
		return
	}

	c.teamID = team.ID

	h.sendLocked(c, JoinResultMessage{
		Type: "join_result",
		OK:   true,
		Team: team,
	})

	logf(cfg, "GAMES: Team %q joined %s", team.Name, h.session.code)

	h.broadcastStateLocked()
}

// handleAdmin processes admin commands: starting a game, pushing state
// snapshots, selecting challenges, verdicts, point adjustments, and the
// audio kill switch. Only the admin cookie may issue these.
func (h *Hub) handleAdmin(cfg *Config, cmd adminCommand) {
	c := cmd.client
	msg := cmd.msg

	h.mu.RLock()
	authorized := h.adminPlayerID != "" && c.playerID == h.adminPlayerID
	h.mu.RUnlock()

	if !authorized {
		return
	}

	// start_game needs a fresh code from the registry; take it before the
	// hub lock so the reaper's lock order is never inverted.
	var freshCode string
	if msg.Type == "start_game" {
		freshCode = h.manager.rekey(h)
	}

	// A pushed snapshot may rename the session's code; re-registering also
	// happens outside the hub lock.
	var adoptCode, prevCode string

	h.mu.Lock()

	h.lastActive = time.Now()

	switch msg.Type {
	case "start_game":
		h.session.startGame(freshCode)
		h.sendLocked(c, StartResultMessage{
			Type:     "start_result",
			OK:       true,
			GameCode: freshCode,
		})
		logf(cfg, "GAMES: Started game %s", freshCode)
		h.broadcastStateLocked()

	case "update_state":
		if msg.State == nil {
			break
		}

		oldCode := h.session.code
		toasts, ok := h.session.applyPatch(msg.State)
		if !ok {
			break
		}

		for _, t := range toasts {
			h.broadcastLocked(PointsToastMessage{
				Type:     "points_toast",
				TeamName: t.TeamName,
				Delta:    t.Delta,
			})
		}

		if h.session.code != oldCode {
			adoptCode = h.session.code
			prevCode = oldCode
		}
		h.broadcastStateLocked()

	case "select_challenge":
		if !h.session.selectChallenge(msg.CardID, cfg, time.Now()) {
			h.sendLocked(c, SimpleMessage{
				Type:    "error",
				Message: "That challenge has already been used.",
			})
			break
		}

		ch := h.session.challenge
		if ch.Phase == phaseWriting {
			h.scheduleWritingClose(cfg, ch)
		}
		logf(cfg, "GAMES: Challenge %q selected in %s", ch.Title, h.session.code)
		h.broadcastStateLocked()

	case "verdict":
		if h.session.verdict(msg.Result, msg.TeamID, cfg, time.Now()) {
			h.broadcastStateLocked()
		}

	case "adjust_points":
		if msg.TeamID == "" || msg.Delta == 0 {
			break
		}
		if t := h.session.adjustPoints(msg.TeamID, msg.Delta); t != nil {
			h.broadcastLocked(PointsToastMessage{
				Type:     "points_toast",
				TeamName: t.Name,
				Delta:    msg.Delta,
			})
			h.broadcastStateLocked()
		}

	case "stop_audio":
		// Hard cancellation: clients abandon any timers tied to the round.
		if ch := h.session.challenge; ch != nil && ch.Type == typeGrandprix && ch.Phase != phaseEnded {
			ch.Phase = phaseEnded
			ch.FirstBuzz = nil
		}
		h.broadcastLocked(SimpleMessage{Type: "stop_audio"})
		h.broadcastStateLocked()
	}

	h.mu.Unlock()

	if adoptCode != "" && !h.manager.adopt(h, adoptCode) {
		// The pushed code belongs to another live session; put the
		// registered one back so the on-screen code keeps routing here.
		h.mu.Lock()
		h.session.code = prevCode
		h.broadcastStateLocked()
		h.mu.Unlock()
	}
}

// scheduleWritingClose moves a writing round to voting when its timer runs
// out, unless the round already advanced or was replaced.
func (h *Hub) scheduleWritingClose(cfg *Config, ch *Challenge) {
	time.AfterFunc(cfg.writingTime, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if h.session.challenge != ch || ch.Phase != phaseWriting {
			return
		}

		h.session.startVoting()
		h.broadcastStateLocked()
	})
}

// handlePlay processes team events: buzzes, submissions, and votes. Events
// arriving in the wrong phase are dropped, never fatal.
func (h *Hub) handlePlay(cfg *Config, pr playRequest) {
	c := pr.client
	msg := pr.msg

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = time.Now()

	team := h.session.findTeam(c.teamID)
	if team == nil {
		h.sendLocked(c, SimpleMessage{
			Type:    "error",
			Message: "Join a team first.",
		})
		return
	}

	switch msg.Type {
	case "buzz":
		if !h.session.buzz(team, msg.AudioPosition, time.Now()) {
			return
		}
		logf(cfg, "GAMES: %q buzzed first in %s", team.Name, h.session.code)
		h.broadcastLocked(BuzzedMessage{Type: "buzzed", TeamName: team.Name})
		h.broadcastStateLocked()

	case "submit_card":
		text := strings.TrimSpace(msg.Text)
		accepted, _ := h.session.submitEntry(team, text, "")
		if !accepted {
			return
		}
		h.broadcastLocked(NewSubmissionMessage{
			Type:     "new_submission",
			TeamName: team.Name,
			Text:     text,
		})
		h.broadcastStateLocked()

	case "submit_photo":
		filename := msg.Filename
		if !storedFileExists(cfg, filename) {
			h.sendLocked(c, SimpleMessage{
				Type:    "error",
				Message: "Upload the photo first, then submit it.",
			})
			return
		}
		accepted, _ := h.session.submitEntry(team, "", filename)
		if !accepted {
			return
		}
		h.broadcastLocked(NewSubmissionMessage{
			Type:     "new_submission",
			TeamName: team.Name,
			Filename: filename,
		})
		h.broadcastStateLocked()

	case "vote":
		if msg.Index == nil {
			return
		}
		_, err := h.session.castVote(team, *msg.Index)
		if err != nil {
			switch err {
			case errSelfVote:
				h.sendLocked(c, SimpleMessage{
					Type:    "error",
					Message: "You cannot vote for your own entry.",
				})
			}
			return
		}
		h.broadcastLocked(VoteUpdateMessage{Type: "vote_update", Voter: team.Name})
		h.broadcastStateLocked()

	case "gp_answer":
		ch := h.session.challenge
		text := strings.TrimSpace(msg.Text)
		if ch == nil || ch.Type != typeGrandprix || ch.Phase != phaseLocked ||
			ch.FirstBuzz == nil || ch.FirstBuzz.TeamID != team.ID || text == "" {
			return
		}
		h.broadcastLocked(AnswerMessage{
			Type:     "gp_answer",
			TeamName: team.Name,
			Text:     text,
		})
	}
}

// storedFileExists verifies an uploaded file handle before it is published,
// so a broadcast never references a dangling upload.
func storedFileExists(cfg *Config, filename string) bool {
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return false
	}

	info, err := os.Stat(filepath.Join(cfg.uploads, filename))
	return err == nil && info.Mode().IsRegular()
}

// closeAll disconnects all clients of this hub (used by the reaper).
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "julebox_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// WebSocket handler that resolves the hub from :code. Unknown codes are not
// created implicitly; teams joining a dead session get a 404.
func serveWSForManager(cfg *Config, sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := ps.ByName("code")
		if code == "" {
			http.Error(w, "missing game code", http.StatusBadRequest)
			return
		}

		hub := sm.find(code)
		if hub == nil {
			http.Error(w, "game not found", http.StatusNotFound)
			return
		}

		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 8),
			playerID: playerID,
		}

		hub.register <- client

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "join":
			h.joins <- joinRequest{
				client: c,
				msg:    msg,
			}
		case "start_game", "update_state", "select_challenge", "verdict", "adjust_points", "stop_audio":
			h.admin <- adminCommand{
				client: c,
				msg:    msg,
			}
		case "buzz", "submit_card", "submit_photo", "vote", "gp_answer":
			h.plays <- playRequest{
				client: c,
				msg:    msg,
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current game URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := ps.ByName("code")
	if code == "" {
		http.Error(w, "missing game code", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:code/qr; strip trailing "/qr" to get the game URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func getGamePageHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		_, _ = w.Write([]byte(newPage("julebox", "Game "+ps.ByName("code"))))
	}
}

// redirectNewGame handles GET /play by creating a new session under a fresh
// collision-checked join code and redirecting to /play/:code.
func redirectNewGame(cfg *Config, path string, sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		hub := sm.create(cfg)

		sm.mu.Lock()
		code := hub.code
		sm.mu.Unlock()

		logf(cfg, "GAMES: Created game %s/%s", path, code)
		http.Redirect(w, r, path+"/"+code, http.StatusTemporaryRedirect)
	}
}

// registerXmasGame sets up routes so that:
//   - $path              → redirects to a new session (fresh 4-digit code)
//   - $path/:code        → HTML client
//   - $path/:code/ws     → WebSocket for that session
//   - $path/:code/qr     → PNG QR code for that session URL
func registerXmasGame(cfg *Config, path string, mux *httprouter.Router) {
	sm := newSessionManager(cfg.sessionTimeout)

	// Root path → redirect to a new session
	mux.GET(path, redirectNewGame(cfg, path, sm))

	// Per-session client view (HTML)
	mux.GET(cfg.prefix+path+"/:code", getGamePageHandler(cfg))

	// Per-session websocket
	mux.GET(cfg.prefix+path+"/:code/ws", serveWSForManager(cfg, sm))

	// Per-session QR code
	mux.GET(cfg.prefix+path+"/:code/qr", qrHandler)
}
