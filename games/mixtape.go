package games

// Each player submits a mixtape: an ordered list of songs (artist, title, optional link)
// Every round, the coordinator deals each player somebody else's mixtape to review
// Assignments avoid repeat pairings while possible, and never hand a player their own tape
// Each reviewer cuts exactly one song per round, optionally with a comment
// A round only advances once every player has cut; the advance fires exactly once
// When every mixtape is down to one survivor (or the round budget runs out),
// the survivors form the final mix
// Everyone votes on a favorite; ties are reported as joint winners

// Display formats:
// The assigned mixtape as a numbered list with a "cut" action per surviving song
// The final mix as a numbered list with vote buttons, attributed to the tape owner

// Implementation details:
// - One websocket per client, one hub goroutine per game code
// - Identify connections by cookie; identify players by alias across reconnects
// - Short reveal delay between the last cut of a round and the next phase broadcast

// How to play
// - One player creates the game (optionally with a password) and shares the QR code
// - Everyone joins with an alias, then any player starts the game
// - Submit tapes, cut songs round by round, vote on the final mix
