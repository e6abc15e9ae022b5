// Challenge state machine for the Xmas Challenge minigames.
//
// The current challenge is a tagged variant keyed by card type, replaced
// wholesale on every round transition. The server is the single ordering
// authority: the first buzz it accepts wins, later buzzes are no-ops, and any
// event arriving in the wrong phase is ignored rather than fatal.

package main

import (
	"crypto/rand"
	"errors"
	"math/big"
	"time"
)

// Card types. The Danish names are the game's proper nouns.
const (
	typeGrandprix = "Nisse Grandprix" // buzzer race with synchronized audio
	typeRiddle    = "NisseGåden"      // riddle, one typed answer per team
	typeCards     = "JuleKortet"      // card writing contest with voting
	typePhotos    = "KreaNissen"      // photo contest with voting
	typeImageQuiz = "BilledeQuiz"     // image quiz, display only
)

const (
	phaseListening = "listening"
	phaseLocked    = "locked"
	phaseOpen      = "open"
	phaseWriting   = "writing"
	phaseVoting    = "voting"
	phaseEnded     = "ended"
)

const (
	verdictCorrect   = "correct"
	verdictIncorrect = "incorrect"
	verdictAdvance   = "advance"
	verdictEnd       = "end"
)

var (
	errNotVoting = errors.New("voting is not open")
	errSelfVote  = errors.New("cannot vote for your own entry")
	errBadIndex  = errors.New("no such entry")
)

// Buzz records the first accepted buzz of a Grandprix round.
type Buzz struct {
	TeamID        string  `json:"teamId"`
	TeamName      string  `json:"teamName"`
	AudioPosition float64 `json:"audioPosition,omitempty"`
}

// Entry is one team's submission in a writing or photo round. Attribution is
// kept server-side; team clients see entries with it stripped while voting is
// open.
type Entry struct {
	TeamID   string `json:"teamId,omitempty"`
	TeamName string `json:"teamName,omitempty"`
	Text     string `json:"text,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Challenge is the live round state projected from a selected card.
// Timestamps are absolute unix milliseconds so clients with drifting clocks
// still converge on the same wall-clock target.
type Challenge struct {
	Card

	Phase string `json:"phase,omitempty"`

	// Grandprix round state.
	StartAt          int64    `json:"startAt,omitempty"`
	AudioPosition    float64  `json:"audioPosition,omitempty"`
	FirstBuzz        *Buzz    `json:"firstBuzz,omitempty"`
	CountdownStartAt int64    `json:"countdownStartAt,omitempty"`
	CountdownSeconds int      `json:"countdownSeconds,omitempty"`
	LockedOut        []string `json:"lockedOut,omitempty"` // team ids barred from re-buzzing

	// Writing, photo, and riddle round state.
	WritingStartAt int64    `json:"writingStartAt,omitempty"`
	WritingSeconds int      `json:"writingSeconds,omitempty"`
	Entries        []Entry  `json:"entries,omitempty"`
	Tally          []int    `json:"tally,omitempty"`
	Winners        []string `json:"winners,omitempty"`

	votes map[string]int // voter team id -> entry index
}

func (ch *Challenge) lockedOut(teamID string) bool {
	for _, id := range ch.LockedOut {
		if id == teamID {
			return true
		}
	}
	return false
}

func (ch *Challenge) hasSubmitted(teamID string) bool {
	for _, e := range ch.Entries {
		if e.TeamID == teamID {
			return true
		}
	}
	return false
}

// redacted returns a copy safe to show to team clients: while submissions or
// voting are open, entry attribution is stripped so votes stay anonymous.
// Once the round has ended the full entries are revealed.
func (ch *Challenge) redacted() *Challenge {
	if ch == nil {
		return nil
	}
	if ch.Phase != phaseWriting && ch.Phase != phaseVoting && ch.Phase != phaseOpen {
		return ch
	}

	out := *ch
	out.Entries = make([]Entry, len(ch.Entries))
	for i, e := range ch.Entries {
		out.Entries[i] = Entry{Text: e.Text, Filename: e.Filename}
	}
	return &out
}

// selectChallenge replaces the current challenge with a fresh round built
// from an unused deck card. Display-only cards burn immediately; every other
// type burns its card on entering the ended phase.
func (s *Session) selectChallenge(cardID string, cfg *Config, now time.Time) bool {
	var card *Card
	for i := range s.deck {
		if s.deck[i].ID == cardID {
			card = &s.deck[i]
			break
		}
	}
	if card == nil || card.Used {
		return false
	}

	ch := &Challenge{Card: *card}

	switch card.Type {
	case typeGrandprix:
		ch.Phase = phaseListening
		ch.StartAt = now.Add(cfg.audioLeadIn).UnixMilli()
		ch.CountdownSeconds = int(cfg.buzzCountdown.Seconds())
	case typeRiddle:
		ch.Phase = phaseOpen
	case typeCards, typePhotos:
		ch.Phase = phaseWriting
		ch.WritingStartAt = now.UnixMilli()
		ch.WritingSeconds = int(cfg.writingTime.Seconds())
	default:
		card.Used = true
		ch.Used = true
	}

	s.challenge = ch
	return true
}

func (s *Session) markUsed(cardID string) {
	for i := range s.deck {
		if s.deck[i].ID == cardID {
			s.deck[i].Used = true
		}
	}
	if s.challenge != nil && s.challenge.ID == cardID {
		s.challenge.Used = true
	}
}

// buzz accepts the first valid buzz of a listening Grandprix round and locks
// it. Every later buzz in the same round leaves state unchanged.
func (s *Session) buzz(team *Team, audioPosition float64, now time.Time) bool {
	ch := s.challenge
	if ch == nil || ch.Type != typeGrandprix || ch.Phase != phaseListening {
		return false
	}
	if ch.lockedOut(team.ID) {
		return false
	}

	ch.Phase = phaseLocked
	ch.FirstBuzz = &Buzz{
		TeamID:        team.ID,
		TeamName:      team.Name,
		AudioPosition: audioPosition,
	}
	if audioPosition > 0 {
		ch.AudioPosition = audioPosition
	}
	ch.CountdownStartAt = now.UnixMilli()

	return true
}

// grandprixVerdict resolves a locked round. A correct answer awards the
// buzzing team and ends the round; a wrong one bars that team from buzzing
// again and resumes the audio for everyone else, unless no team is left.
func (s *Session) grandprixVerdict(result string, cfg *Config, now time.Time) bool {
	ch := s.challenge
	if ch == nil || ch.Type != typeGrandprix {
		return false
	}

	switch result {
	case verdictCorrect:
		if ch.Phase != phaseLocked || ch.FirstBuzz == nil {
			return false
		}
		s.adjustPoints(ch.FirstBuzz.TeamID, 1)
		ch.Winners = []string{ch.FirstBuzz.TeamName}
		ch.Phase = phaseEnded
		s.markUsed(ch.ID)
		return true

	case verdictIncorrect:
		if ch.Phase != phaseLocked || ch.FirstBuzz == nil {
			return false
		}
		ch.LockedOut = append(ch.LockedOut, ch.FirstBuzz.TeamID)
		ch.FirstBuzz = nil
		ch.CountdownStartAt = 0

		if len(ch.LockedOut) >= len(s.teams) {
			ch.Phase = phaseEnded
			s.markUsed(ch.ID)
			return true
		}

		// Back to the race, audio resuming from where it stopped.
		ch.Phase = phaseListening
		ch.StartAt = now.Add(cfg.resumeDelay).UnixMilli()
		return true

	case verdictEnd:
		if ch.Phase == phaseEnded {
			return false
		}
		ch.Phase = phaseEnded
		ch.FirstBuzz = nil
		s.markUsed(ch.ID)
		return true
	}

	return false
}

// submitEntry records one submission per team per round. Later submissions
// from an already-submitted team are ignored. Riddle rounds close once every
// known team has answered; writing and photo rounds advance to voting.
func (s *Session) submitEntry(team *Team, text, filename string) (accepted, advanced bool) {
	ch := s.challenge
	if ch == nil {
		return false, false
	}

	switch ch.Type {
	case typeRiddle:
		if ch.Phase != phaseOpen || text == "" {
			return false, false
		}
	case typeCards:
		if ch.Phase != phaseWriting || text == "" {
			return false, false
		}
	case typePhotos:
		if ch.Phase != phaseWriting || filename == "" {
			return false, false
		}
	default:
		return false, false
	}

	if ch.hasSubmitted(team.ID) {
		return false, false
	}

	ch.Entries = append(ch.Entries, Entry{
		TeamID:   team.ID,
		TeamName: team.Name,
		Text:     text,
		Filename: filename,
	})

	if len(s.teams) > 0 && len(ch.Entries) >= len(s.teams) {
		if ch.Type == typeRiddle {
			ch.Phase = phaseEnded
			s.markUsed(ch.ID)
		} else {
			s.startVoting()
		}
		return true, true
	}

	return true, false
}

// startVoting freezes the entries in a shuffled order established once for
// the round, so every viewer sees the same anonymized lineup.
func (s *Session) startVoting() {
	ch := s.challenge
	if ch == nil || ch.Phase != phaseWriting {
		return
	}

	// Fisher-Yates shuffle using crypto/rand
	for i := len(ch.Entries) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		j := int(n.Int64())
		ch.Entries[i], ch.Entries[j] = ch.Entries[j], ch.Entries[i]
	}

	ch.Phase = phaseVoting
	ch.votes = make(map[string]int)
}

// castVote records a team's vote for an entry index. A later vote from the
// same team overwrites the earlier one; votes for a team's own entry are
// rejected. Voting closes automatically once every team has voted.
func (s *Session) castVote(team *Team, index int) (closed bool, err error) {
	ch := s.challenge
	if ch == nil || ch.Phase != phaseVoting {
		return false, errNotVoting
	}
	if index < 0 || index >= len(ch.Entries) {
		return false, errBadIndex
	}
	if ch.Entries[index].TeamID == team.ID {
		return false, errSelfVote
	}

	if ch.votes == nil {
		ch.votes = make(map[string]int)
	}
	ch.votes[team.ID] = index

	if len(ch.votes) >= len(s.teams) {
		s.closeVoting()
		return true, nil
	}

	return false, nil
}

// closeVoting tallies the round and awards a point to every entry tied at the
// maximum count. A round nobody voted in ends without winners.
func (s *Session) closeVoting() {
	ch := s.challenge
	if ch == nil || ch.Phase != phaseVoting {
		return
	}

	ch.Tally = make([]int, len(ch.Entries))
	for _, index := range ch.votes {
		ch.Tally[index]++
	}

	max := 0
	for _, count := range ch.Tally {
		if count > max {
			max = count
		}
	}

	if max > 0 {
		for i, count := range ch.Tally {
			if count == max {
				s.adjustPoints(ch.Entries[i].TeamID, 1)
				ch.Winners = append(ch.Winners, ch.Entries[i].TeamName)
			}
		}
	}

	ch.Phase = phaseEnded
	s.markUsed(ch.ID)
}

// verdict is the admin's resolution for non-Grandprix rounds: advance pushes
// writing into voting, end closes voting or the whole round, and correct
// awards a chosen team before ending.
func (s *Session) verdict(result, teamID string, cfg *Config, now time.Time) bool {
	ch := s.challenge
	if ch == nil {
		return false
	}

	if ch.Type == typeGrandprix {
		return s.grandprixVerdict(result, cfg, now)
	}

	switch result {
	case verdictAdvance:
		if ch.Phase != phaseWriting {
			return false
		}
		s.startVoting()
		return true

	case verdictEnd:
		switch ch.Phase {
		case phaseVoting:
			s.closeVoting()
			return true
		case phaseEnded:
			return false
		default:
			ch.Phase = phaseEnded
			s.markUsed(ch.ID)
			return true
		}

	case verdictCorrect:
		if ch.Phase == phaseVoting {
			return false
		}
		if t := s.adjustPoints(teamID, 1); t != nil {
			ch.Winners = append(ch.Winners, t.Name)
		}
		ch.Phase = phaseEnded
		s.markUsed(ch.ID)
		return true

	case verdictIncorrect:
		if ch.Phase == phaseVoting || ch.Phase == phaseEnded {
			return false
		}
		ch.Phase = phaseEnded
		s.markUsed(ch.ID)
		return true
	}

	return false
}
