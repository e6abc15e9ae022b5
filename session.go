// Session model for the Xmas Challenge game.
//
// Each game session is an independent aggregate addressed by a short numeric
// join code. The SessionManager maps live codes to hubs, hands out fresh
// collision-checked codes, and reaps idle sessions. All Session methods assume
// the owning hub's lock is held; the Session itself carries no locking.

package main

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	errEmptyName = errors.New("empty team name")
	errWrongCode = errors.New("wrong game code")
	errNameTaken = errors.New("team name already taken")
)

// Team is a participant group. Teams are only ever appended, never removed
// except by a full game reset, so a disconnected team can rejoin under the
// same name and keep its points.
type Team struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// Card is one challenge definition in the deck.
type Card struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Text     string `json:"text,omitempty"`
	Answer   string `json:"answer,omitempty"`
	AudioURL string `json:"audioUrl,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
	Used     bool   `json:"used"`
}

type Session struct {
	code      string
	teams     []*Team
	deck      []Card
	challenge *Challenge
}

func newSession(code string, deck []Card) *Session {
	return &Session{
		code: code,
		deck: copyDeck(deck),
	}
}

func copyDeck(deck []Card) []Card {
	out := make([]Card, len(deck))
	copy(out, deck)
	for i := range out {
		out[i].Used = false
	}
	return out
}

// startGame resets the session around a fresh join code: teams and the current
// challenge are cleared and every card becomes playable again. The deck
// definition itself survives the reset.
func (s *Session) startGame(code string) {
	s.code = code
	s.teams = nil
	s.challenge = nil
	s.deck = copyDeck(s.deck)
}

func (s *Session) findTeam(id string) *Team {
	for _, t := range s.teams {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (s *Session) findTeamByName(name string) *Team {
	for _, t := range s.teams {
		if strings.EqualFold(t.Name, name) {
			return t
		}
	}
	return nil
}

// joinTeam validates a join attempt and either appends a new team or returns
// the existing one. An existing name is only reclaimable while no connected
// client is bound to it (the reconnect case); active names collide.
func (s *Session) joinTeam(code, name string, active func(teamID string) bool) (*Team, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, errEmptyName
	}

	if s.code == "" || strings.TrimSpace(code) != s.code {
		return nil, errWrongCode
	}

	if t := s.findTeamByName(trimmed); t != nil {
		if active != nil && active(t.ID) {
			return nil, errNameTaken
		}
		return t, nil
	}

	t := &Team{
		ID:   "t" + uuid.NewString(),
		Name: trimmed,
	}
	s.teams = append(s.teams, t)

	return t, nil
}

// adjustPoints mutates exactly one team's point total. No floor is enforced;
// the admin's minus button may push a team negative.
func (s *Session) adjustPoints(teamID string, delta int) *Team {
	t := s.findTeam(teamID)
	if t == nil {
		return nil
	}
	t.Points += delta
	return t
}

// statePatch is the admin's full-state snapshot. Raw messages distinguish an
// omitted key from an explicit null, which matters for currentChallenge.
type statePatch struct {
	GameCode         json.RawMessage `json:"gameCode"`
	Teams            json.RawMessage `json:"teams"`
	Deck             json.RawMessage `json:"deck"`
	CurrentChallenge json.RawMessage `json:"currentChallenge"`
}

type pointsDelta struct {
	TeamName string
	Delta    int
}

// applyPatch merges an admin snapshot field by field: teams replace only when
// a valid array is given, the deck only when a non-empty array is given, the
// current challenge whenever the key is present (null clears it), and the game
// code only when non-empty, so a stale snapshot can never wipe session
// identity. Returns the point deltas observed on replaced teams, for toasts.
func (s *Session) applyPatch(data []byte) ([]pointsDelta, bool) {
	var patch statePatch
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, false
	}

	var toasts []pointsDelta

	if patch.Teams != nil {
		var teams []*Team
		if err := json.Unmarshal(patch.Teams, &teams); err == nil && teams != nil {
			// A json null inside the array decodes to a nil *Team; drop
			// them so a malformed snapshot can't take down the hub.
			valid := make([]*Team, 0, len(teams))
			for _, t := range teams {
				if t != nil {
					valid = append(valid, t)
				}
			}
			toasts = teamPointDeltas(s.teams, valid)
			s.teams = valid
		}
	}

	if patch.Deck != nil {
		var deck []Card
		if err := json.Unmarshal(patch.Deck, &deck); err == nil && len(deck) > 0 {
			s.deck = deck
		}
	}

	if patch.CurrentChallenge != nil {
		var ch *Challenge
		if err := json.Unmarshal(patch.CurrentChallenge, &ch); err == nil {
			s.challenge = ch
		}
	}

	if patch.GameCode != nil {
		var code string
		if err := json.Unmarshal(patch.GameCode, &code); err == nil && code != "" {
			s.code = code
		}
	}

	return toasts, true
}

func teamPointDeltas(oldTeams, newTeams []*Team) []pointsDelta {
	oldIndex := make(map[string]*Team, len(oldTeams))
	for _, t := range oldTeams {
		key := strings.ToLower(t.ID)
		if key == "" {
			key = strings.ToLower(t.Name)
		}
		if key != "" {
			oldIndex[key] = t
		}
	}

	var deltas []pointsDelta
	for _, t := range newTeams {
		key := strings.ToLower(t.ID)
		if key == "" {
			key = strings.ToLower(t.Name)
		}
		if key == "" {
			continue
		}

		oldPoints := 0
		if old, ok := oldIndex[key]; ok {
			oldPoints = old.Points
		}
		if d := t.Points - oldPoints; d != 0 {
			deltas = append(deltas, pointsDelta{TeamName: t.Name, Delta: d})
		}
	}

	return deltas
}

// SessionManager holds a set of hubs keyed by join code, so each /play/:code
// is its own isolated game.
type SessionManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	idleTimeout time.Duration
}

func newSessionManager(idleTimeout time.Duration) *SessionManager {
	sm := &SessionManager{
		hubs:        make(map[string]*Hub),
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go sm.reaperLoop()
	}
	return sm
}

// newGameCode generates a crypto-random 4-digit join code and ensures it
// doesn't collide with any live session. Callers must hold sm.mu.
func (sm *SessionManager) newGameCodeLocked() string {
	for {
		buf := make([]byte, 2)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		n := 1000 + (int(buf[0])<<8|int(buf[1]))%9000
		code := strconv.Itoa(n)

		if _, exists := sm.hubs[code]; !exists {
			return code
		}
	}
}

// create makes a new session under a fresh code and starts its hub.
func (sm *SessionManager) create(cfg *Config) *Hub {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	code := sm.newGameCodeLocked()
	hub := newHub(code, newSession(code, defaultDeck()), sm)
	sm.hubs[code] = hub
	go hub.run(cfg)
	return hub
}

// find resolves a join code to a live session, or nil.
func (sm *SessionManager) find(code string) *Hub {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.hubs[code]
}

// getOrCreate resolves a join code, creating the session when absent. The
// admin redirect flow uses create instead, so this mainly serves deployments
// that pin well-known codes.
func (sm *SessionManager) getOrCreate(code string, cfg *Config) *Hub {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if hub, ok := sm.hubs[code]; ok {
		return hub
	}

	hub := newHub(code, newSession(code, defaultDeck()), sm)
	sm.hubs[code] = hub
	go hub.run(cfg)
	return hub
}

// rekey moves a live session to a fresh join code and returns it. Used by
// start_game, which always issues a new code.
func (sm *SessionManager) rekey(hub *Hub) string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	code := sm.newGameCodeLocked()
	delete(sm.hubs, hub.code)
	hub.code = code
	sm.hubs[code] = hub
	return code
}

// adopt re-registers a session under a code the admin pushed through a state
// snapshot. A code already owned by another live session is left alone.
func (sm *SessionManager) adopt(hub *Hub, code string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if code == hub.code {
		return true
	}
	if _, taken := sm.hubs[code]; taken {
		return false
	}

	delete(sm.hubs, hub.code)
	hub.code = code
	sm.hubs[code] = hub
	return true
}

// reaperLoop periodically removes hubs that have been idle longer than
// idleTimeout.
func (sm *SessionManager) reaperLoop() {
	ticker := time.NewTicker(sm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-sm.idleTimeout)

		sm.mu.Lock()
		for code, hub := range sm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(sm.hubs, code)
				go hub.closeAll()
			}
		}
		sm.mu.Unlock()
	}
}
