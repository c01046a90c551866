/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// Game errors are sentinels so handlers can classify them with errors.Is
// before deciding what to send back to the offending client. None of these
// are fatal; they only ever surface to the connection that caused them.
var (
	// Rejected before any mutation.
	ErrMissingAlias     = errors.New("an alias is required")
	ErrEmptyPlaylist    = errors.New("a mixtape needs at least one song")
	ErrPlaylistTooLong  = errors.New("too many songs in mixtape")
	ErrTooManyPlayers   = errors.New("game is full")
	ErrInvalidSongIndex = errors.New("song index out of range")
	ErrInvalidChoice    = errors.New("vote does not name a final mix entry")
	ErrMalformedRequest = errors.New("malformed request")

	// Operation invalid for the current phase.
	ErrWrongPhase = errors.New("not allowed in the current game phase")

	// Caller not authorized for the target playlist.
	ErrNotAssigned = errors.New("that mixtape is not assigned to you this round")
	ErrOwnPlaylist = errors.New("you cannot review your own mixtape")

	// State conflicts: duplicate or contradictory submissions.
	ErrGameExists        = errors.New("a game with that code already exists")
	ErrGameNotFound      = errors.New("no game with that code")
	ErrWrongPassword     = errors.New("incorrect password")
	ErrAliasTaken        = errors.New("that alias is already taken")
	ErrPlayerNotFound    = errors.New("no player with that alias")
	ErrAlreadySubmitted  = errors.New("already submitted")
	ErrAlreadyEliminated = errors.New("that song has already been eliminated")
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func humanReadableSize(bytes int64) string {
	const unit int64 = 1000
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := unit, 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB",
		float64(bytes)/float64(div),
		"kMGTPE"[exp])
}
