package main

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Phase is the lifecycle stage of a game session. Elimination rounds share a
// single phase value; the round counter distinguishes them.
type Phase string

const (
	PhaseLobby       Phase = "lobby"
	PhaseSubmission  Phase = "submission"
	PhaseElimination Phase = "elimination"
	PhaseFinalMix    Phase = "final_mix"
	PhaseFinished    Phase = "finished"
)

func (p Phase) String() string {
	return string(p)
}

func (p Phase) canTransitionTo(target Phase) bool {
	valid := map[Phase][]Phase{
		PhaseLobby:       {PhaseSubmission},
		PhaseSubmission:  {PhaseElimination, PhaseFinalMix},
		PhaseElimination: {PhaseElimination, PhaseFinalMix},
		PhaseFinalMix:    {PhaseFinished},
	}

	for _, t := range valid[p] {
		if t == target {
			return true
		}
	}
	return false
}

// roundState is the advancement guard for the current elimination round.
// roundClosing means every player has submitted but the next phase has not
// been committed yet; only the advancement routine moves it onward, so a
// second completion check observing roundClosing cannot fire a second
// transition.
type roundState int

const (
	roundOpen roundState = iota
	roundClosing
	roundClosed
)

// Player is the durable identity for one participant. ConnID is the
// connection-stable handle (browser cookie) and is rebound on reconnect;
// Alias is the identity key across reconnects.
type Player struct {
	ConnID    string `json:"-"`
	Alias     string `json:"alias"`
	Submitted bool   `json:"submitted"`
}

// Song is one entry of a submitted mixtape. Eliminated is monotonic; songs
// are marked, never removed, so playlist length is immutable after creation.
type Song struct {
	ID              string `json:"id"`
	Artist          string `json:"artist,omitempty"`
	Title           string `json:"title"`
	Link            string `json:"link,omitempty"`
	Eliminated      bool   `json:"eliminated"`
	EliminatedRound int    `json:"eliminated_round,omitempty"`
	EliminatedBy    string `json:"eliminated_by,omitempty"`
	Comment         string `json:"comment,omitempty"`
}

// SongInput is the boundary shape of a submitted song. Clients may send
// either a bare string (treated as the title) or an object; after decoding,
// nothing downstream ever branches on the payload shape.
type SongInput struct {
	Artist string `json:"artist,omitempty"`
	Title  string `json:"title"`
	Link   string `json:"link,omitempty"`
}

func (si *SongInput) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var title string
		if err := json.Unmarshal(data, &title); err != nil {
			return err
		}
		si.Title = title
		return nil
	}

	type plain SongInput
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*si = SongInput(obj)
	return nil
}

type EliminationRecord struct {
	Round   int    `json:"round"`
	SongID  string `json:"song_id"`
	By      string `json:"by"`
	Comment string `json:"comment,omitempty"`
}

type Playlist struct {
	Owner string              `json:"owner"`
	Songs []*Song             `json:"songs"`
	Log   []EliminationRecord `json:"eliminations,omitempty"`
}

// survivors returns the songs not yet eliminated, in playlist order.
func (p *Playlist) survivors() []*Song {
	alive := make([]*Song, 0, len(p.Songs))
	for _, s := range p.Songs {
		if !s.Eliminated {
			alive = append(alive, s)
		}
	}
	return alive
}

// FinalMixEntry is the single surviving song of one playlist, with enough
// provenance that clients never re-derive ownership from elimination logs.
type FinalMixEntry struct {
	PlaylistIndex int    `json:"playlist_index"`
	Owner         string `json:"owner"`
	Song          *Song  `json:"song"`
}

// Session holds all state for one game code. It is owned by the hub's event
// loop; nothing outside that goroutine mutates it.
type Session struct {
	ID           string
	Phase        Phase
	Players      []*Player
	Playlists    []*Playlist
	Assignment   map[string]int
	History      map[string]map[int]bool
	CurrentRound int
	MaxRounds    int
	FinalMix     []FinalMixEntry
	Votes        map[string]int

	passwordHash []byte
	round        roundState
}

func newSession(id, password string) (*Session, error) {
	s := &Session{
		ID:      id,
		Phase:   PhaseLobby,
		History: make(map[string]map[int]bool),
	}

	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		s.passwordHash = hash
	}

	return s, nil
}

func (s *Session) checkPassword(password string) error {
	if len(s.passwordHash) == 0 {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return ErrWrongPassword
	}
	return nil
}

// Aliases are compared case-insensitively everywhere; original casing is kept
// for display only.
func foldAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}

func (s *Session) playerByConn(connID string) *Player {
	for _, p := range s.Players {
		if p.ConnID == connID {
			return p
		}
	}
	return nil
}

func (s *Session) playerByAlias(alias string) *Player {
	for _, p := range s.Players {
		if strings.EqualFold(p.Alias, alias) {
			return p
		}
	}
	return nil
}

func (s *Session) playlistByOwner(alias string) *Playlist {
	for _, pl := range s.Playlists {
		if strings.EqualFold(pl.Owner, alias) {
			return pl
		}
	}
	return nil
}

// bind resolves a connection handle and claimed alias to a durable player.
// Lookup order: player already bound to this handle, then player with a
// matching alias (the reconnect path, which silently rebinds the handle),
// then creation when permitted. Creation also enforces the player cap.
func (s *Session) bind(connID, alias string, create bool, maxPlayers int) (*Player, error) {
	if p := s.playerByConn(connID); p != nil {
		return p, nil
	}

	if alias != "" {
		if p := s.playerByAlias(alias); p != nil {
			p.ConnID = connID
			return p, nil
		}
	}

	if !create {
		return nil, ErrPlayerNotFound
	}
	if strings.TrimSpace(alias) == "" {
		return nil, ErrMissingAlias
	}
	if len(s.Players) >= maxPlayers {
		return nil, ErrTooManyPlayers
	}

	p := &Player{
		ConnID: connID,
		Alias:  strings.TrimSpace(alias),
	}
	s.Players = append(s.Players, p)

	return p, nil
}

// setPhase commits a phase transition, logging any transition the table does
// not permit. An illegal transition is an internal invariant violation, not a
// client error; the session keeps running in whatever state it reaches.
func (s *Session) setPhase(target Phase) {
	if !s.Phase.canTransitionTo(target) {
		log.Printf("%s | GAMES: invariant violation in %s: illegal phase transition %s -> %s",
			time.Now().Format(logDate), s.ID, s.Phase, target)
	}
	s.Phase = target
}

// start moves the session out of the lobby. Any player may trigger it.
func (s *Session) start() error {
	if s.Phase != PhaseLobby {
		return ErrWrongPhase
	}
	s.setPhase(PhaseSubmission)
	return nil
}

// submitPlaylist accepts one mixtape per player, normalizing entries into
// songs with generated ids. The returned flag reports whether every player
// has now submitted, i.e. the submission phase is complete.
func (s *Session) submitPlaylist(alias string, entries []SongInput, maxSongs int) (complete bool, err error) {
	if s.Phase != PhaseSubmission {
		return false, ErrWrongPhase
	}

	p := s.playerByAlias(alias)
	if p == nil {
		return false, ErrPlayerNotFound
	}
	if s.playlistByOwner(p.Alias) != nil {
		return false, ErrAlreadySubmitted
	}

	if len(entries) == 0 {
		return false, ErrEmptyPlaylist
	}
	if len(entries) > maxSongs {
		return false, fmt.Errorf("%w: %d (max %d)", ErrPlaylistTooLong, len(entries), maxSongs)
	}

	songs := make([]*Song, 0, len(entries))
	for _, e := range entries {
		title := strings.TrimSpace(e.Title)
		if title == "" {
			return false, fmt.Errorf("%w: blank song entry", ErrEmptyPlaylist)
		}
		songs = append(songs, &Song{
			ID:     uuid.NewString(),
			Artist: strings.TrimSpace(e.Artist),
			Title:  title,
			Link:   strings.TrimSpace(e.Link),
		})
	}

	s.Playlists = append(s.Playlists, &Playlist{
		Owner: p.Alias,
		Songs: songs,
	})

	return len(s.Playlists) == len(s.Players), nil
}

// beginEliminations transitions submission → round 1 once every player has a
// playlist in. A game whose longest mixtape holds a single song has nothing
// to eliminate and goes straight to the final mix.
func (s *Session) beginEliminations() error {
	if s.Phase != PhaseSubmission || len(s.Playlists) != len(s.Players) {
		return ErrWrongPhase
	}

	longest := 0
	for _, pl := range s.Playlists {
		if len(pl.Songs) > longest {
			longest = len(pl.Songs)
		}
	}
	s.MaxRounds = longest - 1

	if s.MaxRounds < 1 {
		s.enterFinalMix()
		return nil
	}

	s.startRound(1)

	return nil
}

// startRound resets per-round submission flags and computes the new
// assignment. CurrentRound only ever increases.
func (s *Session) startRound(n int) {
	s.CurrentRound = n
	s.setPhase(PhaseElimination)
	s.round = roundOpen

	for _, p := range s.Players {
		p.Submitted = false
	}

	s.Assignment = s.assignRound()
}

func (s *Session) submittedCount() int {
	n := 0
	for _, p := range s.Players {
		if p.Submitted {
			n++
		}
	}
	return n
}

// recordElimination applies one player's elimination for the current round.
// All validation happens before any mutation. When this submission is the
// last one outstanding, the round is closed synchronously, in the same call
// that observes completion, so a racing duplicate completion check cannot
// fire advancement twice; the returned flag tells the caller to schedule
// advancement.
func (s *Session) recordElimination(alias string, playlistIndex, songIndex int, comment string) (complete bool, err error) {
	if s.Phase != PhaseElimination || s.round != roundOpen {
		return false, ErrWrongPhase
	}

	p := s.playerByAlias(alias)
	if p == nil {
		return false, ErrPlayerNotFound
	}
	if p.Submitted {
		return false, ErrAlreadySubmitted
	}

	assigned, ok := s.Assignment[foldAlias(p.Alias)]
	if !ok || assigned != playlistIndex {
		return false, ErrNotAssigned
	}

	pl := s.Playlists[playlistIndex]
	if strings.EqualFold(pl.Owner, p.Alias) {
		return false, ErrOwnPlaylist
	}
	if songIndex < 0 || songIndex >= len(pl.Songs) {
		return false, ErrInvalidSongIndex
	}

	song := pl.Songs[songIndex]
	if song.Eliminated {
		return false, ErrAlreadyEliminated
	}

	song.Eliminated = true
	song.EliminatedRound = s.CurrentRound
	song.EliminatedBy = p.Alias
	song.Comment = comment

	pl.Log = append(pl.Log, EliminationRecord{
		Round:   s.CurrentRound,
		SongID:  song.ID,
		By:      p.Alias,
		Comment: comment,
	})

	p.Submitted = true

	if s.submittedCount() == len(s.Players) {
		s.round = roundClosing
		return true, nil
	}

	return false, nil
}

// advanceRound commits the transition out of a completed elimination round,
// either into the next round or into the final mix. Callers fence on the
// round number captured when the round completed; a stale call made after
// the session has already moved on is a no-op.
func (s *Session) advanceRound(fromRound int) bool {
	if s.Phase != PhaseElimination || s.round != roundClosing || s.CurrentRound != fromRound {
		return false
	}

	if s.converged() || s.CurrentRound >= s.MaxRounds {
		s.enterFinalMix()
		return true
	}

	s.startRound(s.CurrentRound + 1)

	return true
}

// converged reports whether every playlist is down to a single survivor.
func (s *Session) converged() bool {
	for _, pl := range s.Playlists {
		if len(pl.survivors()) != 1 {
			return false
		}
	}
	return true
}

func (s *Session) enterFinalMix() {
	s.FinalMix = s.buildFinalMix()
	s.Votes = make(map[string]int, len(s.Players))
	s.setPhase(PhaseFinalMix)
	s.round = roundClosed
	s.Assignment = nil
}

func (s *Session) finish() {
	s.setPhase(PhaseFinished)
}
