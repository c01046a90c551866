package main

import (
	"sync"
	"time"
)

type gameEvent struct {
	client *client
	msg    ClientMessage
}

type advanceEvent struct {
	round int
}

// Hub owns one game session and runs its event loop. Every inbound client
// event for the session is handled to completion on a single goroutine, so
// handlers never race each other at the instruction level; the remaining
// logical races (duplicate round-completion checks, stale deferred
// advancement) are closed by the session's round state and round-number
// fencing.
type Hub struct {
	id  string
	cfg *Config

	clients map[*client]bool
	session *Session

	register chan *client
	unreg    chan *client
	events   chan gameEvent
	advances chan advanceEvent

	// mu guards the fields the reaper reads from outside the loop.
	mu         sync.RWMutex
	createdAt  time.Time
	lastActive time.Time

	revealTimer *time.Timer
	done        chan struct{}
	stopOnce    sync.Once
}

func newHub(cfg *Config, gameID string) *Hub {
	now := time.Now()
	return &Hub{
		id:         gameID,
		cfg:        cfg,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unreg:      make(chan *client),
		events:     make(chan gameEvent),
		advances:   make(chan advanceEvent),
		createdAt:  now,
		lastActive: now,
		done:       make(chan struct{}),
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unreg:
			h.handleUnregister(c)

		case ev := <-h.events:
			h.handleEvent(ev)

		case adv := <-h.advances:
			h.touch()
			h.handleAdvance(adv.round)

		case <-h.done:
			// The timer is owned by this goroutine; stopping it here keeps
			// every access to it on the loop.
			if h.revealTimer != nil {
				h.revealTimer.Stop()
			}
			for c := range h.clients {
				close(c.send)
				_ = c.conn.Close()
				delete(h.clients, c)
			}
			return
		}
	}
}

// stop shuts the hub down: the loop drops all clients and exits, and any
// pending deferred advancement is discarded. Used by the repository reaper.
func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

func (h *Hub) touch() {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()
}

func (h *Hub) idleSince() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastActive
}

// trySend queues a message for one client, dropping the client if its send
// buffer is full.
func (h *Hub) trySend(c *client, msg any) {
	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcast(msg any) {
	for c := range h.clients {
		h.trySend(c, msg)
	}
}

func (h *Hub) sendErr(c *client, err error) {
	h.trySend(c, ErrorMessage{
		Type:    "error",
		Message: err.Error(),
	})
}

func (h *Hub) connLive(connID string) bool {
	for c := range h.clients {
		if c.connID == connID {
			return true
		}
	}
	return false
}

func (h *Hub) playerAliases() []string {
	if h.session == nil {
		return nil
	}
	aliases := make([]string, 0, len(h.session.Players))
	for _, p := range h.session.Players {
		aliases = append(aliases, p.Alias)
	}
	return aliases
}

// phaseMessage snapshots the current phase with whatever round data the
// phase carries, for both broadcasts and reconnect catch-up.
func (h *Hub) phaseMessage() PhaseChangedMessage {
	s := h.session

	msg := PhaseChangedMessage{
		Type:  "phase_changed",
		Phase: s.Phase,
	}

	switch s.Phase {
	case PhaseElimination:
		msg.Round = s.CurrentRound
		msg.Assignments = s.Assignment
		msg.Playlists = s.Playlists
	case PhaseFinalMix:
		msg.FinalMix = s.FinalMix
	}

	return msg
}

func (h *Hub) handleRegister(c *client) {
	h.touch()
	h.clients[c] = true

	info := SessionInfoMessage{
		Type:    "session_info",
		HasGame: h.session != nil,
	}

	if h.session != nil {
		info.Phase = h.session.Phase
		info.Round = h.session.CurrentRound
		info.Players = h.playerAliases()
		if p := h.session.playerByConn(c.connID); p != nil {
			info.Alias = p.Alias
		}
	}

	h.trySend(c, info)

	// Reconnecting clients need the current state to re-render.
	if h.session != nil && h.session.Phase != PhaseLobby {
		h.trySend(c, h.phaseMessage())
	}
}

func (h *Hub) handleUnregister(c *client) {
	h.touch()

	// Player records survive disconnects; only the transport client goes
	// away. The alias rebinds on the next connection.
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) handleEvent(ev gameEvent) {
	h.touch()

	switch ev.msg.Type {
	case "create":
		h.handleCreate(ev.client, ev.msg)
	case "join":
		h.handleJoin(ev.client, ev.msg)
	case "rejoin":
		h.handleRejoin(ev.client, ev.msg)
	case "start":
		h.handleStart(ev.client)
	case "submit_playlist":
		h.handleSubmitPlaylist(ev.client, ev.msg)
	case "submit_elimination":
		h.handleSubmitElimination(ev.client, ev.msg)
	case "submit_vote":
		h.handleSubmitVote(ev.client, ev.msg)
	default:
		// ignore unknown types
	}
}

func (h *Hub) handleCreate(c *client, msg ClientMessage) {
	if h.session != nil {
		h.sendErr(c, ErrGameExists)
		return
	}

	s, err := newSession(h.id, msg.Password)
	if err != nil {
		h.sendErr(c, err)
		return
	}

	p, err := s.bind(c.connID, msg.Alias, true, h.cfg.maxPlayers)
	if err != nil {
		h.sendErr(c, err)
		return
	}

	h.session = s
	logf(h.cfg, "GAMES: %q created game %s", p.Alias, h.id)

	h.broadcast(GameCreatedMessage{
		Type:   "game_created",
		GameID: h.id,
	})
	h.broadcast(PlayerJoinedMessage{
		Type:    "player_joined",
		Alias:   p.Alias,
		Players: h.playerAliases(),
	})
}

func (h *Hub) handleJoin(c *client, msg ClientMessage) {
	if h.session == nil {
		h.sendErr(c, ErrGameNotFound)
		return
	}
	if err := h.session.checkPassword(msg.Password); err != nil {
		h.sendErr(c, err)
		return
	}

	// An alias held by a different, still-connected player is a collision;
	// held by a disconnected player it is the reconnection path.
	if existing := h.session.playerByAlias(msg.Alias); existing != nil {
		if existing.ConnID != c.connID && h.connLive(existing.ConnID) {
			h.sendErr(c, ErrAliasTaken)
			return
		}
	} else if h.session.Phase != PhaseLobby {
		h.sendErr(c, ErrWrongPhase)
		return
	}

	p, err := h.session.bind(c.connID, msg.Alias, true, h.cfg.maxPlayers)
	if err != nil {
		h.sendErr(c, err)
		return
	}

	logf(h.cfg, "GAMES: %q joined %s", p.Alias, h.id)

	h.broadcast(PlayerJoinedMessage{
		Type:    "player_joined",
		Alias:   p.Alias,
		Players: h.playerAliases(),
	})

	if h.session.Phase != PhaseLobby {
		h.trySend(c, h.phaseMessage())
	}
}

func (h *Hub) handleRejoin(c *client, msg ClientMessage) {
	if h.session == nil {
		h.sendErr(c, ErrGameNotFound)
		return
	}

	p, err := h.session.bind(c.connID, msg.Alias, h.session.Phase == PhaseLobby, h.cfg.maxPlayers)
	if err != nil {
		h.sendErr(c, err)
		return
	}

	logf(h.cfg, "GAMES: %q rejoined %s", p.Alias, h.id)

	h.trySend(c, SessionInfoMessage{
		Type:    "session_info",
		HasGame: true,
		Phase:   h.session.Phase,
		Round:   h.session.CurrentRound,
		Alias:   p.Alias,
		Players: h.playerAliases(),
	})

	if h.session.Phase != PhaseLobby {
		h.trySend(c, h.phaseMessage())
	}
}

func (h *Hub) handleStart(c *client) {
	if h.session == nil {
		h.sendErr(c, ErrGameNotFound)
		return
	}

	if _, err := h.session.bind(c.connID, "", false, h.cfg.maxPlayers); err != nil {
		h.sendErr(c, err)
		return
	}

	if err := h.session.start(); err != nil {
		h.sendErr(c, err)
		return
	}

	logf(h.cfg, "GAMES: game %s started with %d players", h.id, len(h.session.Players))

	h.broadcast(h.phaseMessage())
}

func (h *Hub) handleSubmitPlaylist(c *client, msg ClientMessage) {
	if h.session == nil {
		h.sendErr(c, ErrGameNotFound)
		return
	}

	p, err := h.session.bind(c.connID, msg.Alias, false, h.cfg.maxPlayers)
	if err != nil {
		h.sendErr(c, err)
		return
	}

	complete, err := h.session.submitPlaylist(p.Alias, msg.Playlist, h.cfg.maxSongs)
	if err != nil {
		h.sendErr(c, err)
		return
	}

	logf(h.cfg, "GAMES: %q submitted a %d-song mixtape to %s", p.Alias, len(msg.Playlist), h.id)

	h.broadcast(PlaylistSubmittedMessage{
		Type:  "playlist_submitted",
		Alias: p.Alias,
	})

	if !complete {
		return
	}

	if err := h.session.beginEliminations(); err != nil {
		h.sendErr(c, err)
		return
	}

	logf(h.cfg, "GAMES: game %s entering %s (max %d rounds)",
		h.id, h.session.Phase, h.session.MaxRounds)

	h.broadcast(h.phaseMessage())
}

func (h *Hub) handleSubmitElimination(c *client, msg ClientMessage) {
	if h.session == nil {
		h.sendErr(c, ErrGameNotFound)
		return
	}
	if msg.PlaylistIndex == nil || msg.SongIndex == nil {
		h.sendErr(c, ErrMalformedRequest)
		return
	}

	p, err := h.session.bind(c.connID, msg.Alias, false, h.cfg.maxPlayers)
	if err != nil {
		h.sendErr(c, err)
		return
	}

	complete, err := h.session.recordElimination(p.Alias, *msg.PlaylistIndex, *msg.SongIndex, msg.Comment)
	if err != nil {
		h.sendErr(c, err)
		return
	}

	h.broadcast(EliminationSubmittedMessage{
		Type:  "elimination_submitted",
		Alias: p.Alias,
	})

	if complete {
		h.scheduleAdvance(h.session.CurrentRound)
	}
}

// scheduleAdvance defers the post-round phase broadcast so the last
// submitter's client can render its confirmation first. The timer is stored
// on the hub and fenced by the round it was scheduled for; if the session
// has moved on (or the hub has stopped) by the time it fires, the advance
// no-ops.
func (h *Hub) scheduleAdvance(fromRound int) {
	if h.revealTimer != nil {
		h.revealTimer.Stop()
	}

	if h.cfg.revealDelay <= 0 {
		h.handleAdvance(fromRound)
		return
	}

	h.revealTimer = time.AfterFunc(h.cfg.revealDelay, func() {
		select {
		case h.advances <- advanceEvent{round: fromRound}:
		case <-h.done:
		}
	})
}

func (h *Hub) handleAdvance(fromRound int) {
	if h.session == nil {
		return
	}

	if !h.session.advanceRound(fromRound) {
		return
	}

	switch h.session.Phase {
	case PhaseElimination:
		logf(h.cfg, "GAMES: game %s advanced to round %d", h.id, h.session.CurrentRound)
	case PhaseFinalMix:
		logf(h.cfg, "GAMES: game %s reached the final mix", h.id)
	}

	h.broadcast(h.phaseMessage())
}

func (h *Hub) handleSubmitVote(c *client, msg ClientMessage) {
	if h.session == nil {
		h.sendErr(c, ErrGameNotFound)
		return
	}

	p, err := h.session.bind(c.connID, msg.Alias, false, h.cfg.maxPlayers)
	if err != nil {
		h.sendErr(c, err)
		return
	}

	complete, err := h.session.recordVote(p.Alias, msg.Choice)
	if err != nil {
		h.sendErr(c, err)
		return
	}

	h.broadcast(VoteSubmittedMessage{
		Type:  "vote_submitted",
		Alias: p.Alias,
	})

	if !complete {
		return
	}

	winners, counts := h.session.tally()
	h.session.finish()

	logf(h.cfg, "GAMES: game %s finished with %d winning song(s)", h.id, len(winners))

	h.broadcast(FinalResultsMessage{
		Type:    "final_results",
		Results: winners,
		Tally:   counts,
	})
	h.broadcast(h.phaseMessage())
}
