package games

// One display screen (the admin) runs the game for a room full of teams
// Teams join from their phones with a 4-digit code shown on the main screen
// The admin draws challenge cards from a deck and every screen follows along

// Challenge types:
// - Nisse Grandprix: music clip plays everywhere in sync, first buzz pauses it
//   and locks the round; a wrong answer locks that team out and resumes the
//   clip for the rest; a correct answer scores
// - NisseGåden: a riddle, teams type answers, the admin judges them
// - JuleKortet: teams write a christmas card text, then everyone votes on the
//   anonymized shuffled entries; most votes wins, ties all score
// - KreaNissen: like JuleKortet but with photo uploads instead of text
// - BilledeQuiz: a picture puzzle shown on the main screen, judged verbally

// Implementation details:
// - Websockets per session, cookie identity, first connection is the admin
// - The admin pushes full state snapshots; the server merges them so a stale
//   snapshot can never wipe teams or resurrect a cleared challenge
// - Playback sync via absolute timestamps (startAt, countdownStartAt) instead
//   of durations, so drifting phone clocks still converge

// Ideas / maybes:
// - Spectator link without a team (read-only state feed)
// - Persist finished-game scoreboards across sessions
