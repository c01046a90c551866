// Partybox-style mixtape elimination game.
//
// Each player submits a mixtape (an ordered list of songs). Every round the
// coordinator assigns each player somebody else's mixtape to review, and each
// reviewer eliminates exactly one song. When every mixtape is down to a
// single survivor (or the round budget runs out), the survivors form the
// final mix and everyone votes on a favorite.
//
// Features:
// - WebSockets per game ID: /mixtape/:gameid and /mixtape/:gameid/ws
// - Players identified by cookie (connection handle) and alias (durable)
// - Reconnecting with a known alias rebinds the cookie to the same player
// - Optional game password, bcrypt-hashed server side
// - Assignments avoid repeat pairings when possible and never self-review
// - Round advancement fires exactly once per round, after a short reveal delay
// - Games auto-reaped after configurable idle timeout
// - Random 8-char game IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current session, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// ClientMessage is the inbound envelope. Fields are populated per type:
//
//	create              alias, password?
//	join                alias, password?
//	rejoin              alias
//	start               -
//	submit_playlist     playlist (songs as strings or objects)
//	submit_elimination  playlist_index, song_index, comment?
//	submit_vote         choice{playlist_index | song_id}
type ClientMessage struct {
	Type          string      `json:"type"`
	Alias         string      `json:"alias,omitempty"`
	Password      string      `json:"password,omitempty"`
	Playlist      []SongInput `json:"playlist,omitempty"`
	PlaylistIndex *int        `json:"playlist_index,omitempty"`
	SongIndex     *int        `json:"song_index,omitempty"`
	Comment       string      `json:"comment,omitempty"`
	Choice        *Choice     `json:"choice,omitempty"`
}

// ErrorMessage is sent only to the connection that caused the error.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// SessionInfoMessage is sent immediately on connect so the client knows
// whether a game exists behind this code and what identity this cookie has.
type SessionInfoMessage struct {
	Type    string   `json:"type"` // "session_info"
	HasGame bool     `json:"has_game"`
	Phase   Phase    `json:"phase,omitempty"`
	Round   int      `json:"round,omitempty"`
	Alias   string   `json:"alias,omitempty"`
	Players []string `json:"players,omitempty"`
}

type GameCreatedMessage struct {
	Type   string `json:"type"` // "game_created"
	GameID string `json:"game_id"`
}

type PlayerJoinedMessage struct {
	Type    string   `json:"type"` // "player_joined"
	Alias   string   `json:"alias"`
	Players []string `json:"players"`
}

// PhaseChangedMessage carries the data each phase needs: assignments and
// playlists during elimination rounds, the final mix during voting.
type PhaseChangedMessage struct {
	Type        string          `json:"type"` // "phase_changed"
	Phase       Phase           `json:"phase"`
	Round       int             `json:"round,omitempty"`
	Assignments map[string]int  `json:"assignments,omitempty"`
	Playlists   []*Playlist     `json:"playlists,omitempty"`
	FinalMix    []FinalMixEntry `json:"final_mix,omitempty"`
}

type PlaylistSubmittedMessage struct {
	Type  string `json:"type"` // "playlist_submitted"
	Alias string `json:"alias"`
}

type EliminationSubmittedMessage struct {
	Type  string `json:"type"` // "elimination_submitted"
	Alias string `json:"alias"`
}

type VoteSubmittedMessage struct {
	Type  string `json:"type"` // "vote_submitted"
	Alias string `json:"alias"`
}

type FinalResultsMessage struct {
	Type    string          `json:"type"` // "final_results"
	Results []FinalMixEntry `json:"results"`
	Tally   map[int]int     `json:"tally"`
}

type client struct {
	conn   *websocket.Conn
	send   chan any
	connID string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "mixoff_id"

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

// WebSocket handler that picks the hub based on :gameid
func serveWSForRepository(cfg *Config, repo SessionRepository) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if gameID == "" {
			http.Error(w, "missing game id", http.StatusBadRequest)
			return
		}

		connID := getOrSetPlayerID(w, r)
		if connID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		hub := repo.Create(gameID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		c := &client{
			conn:   conn,
			send:   make(chan any, 8),
			connID: connID,
		}

		// The hub may have been reaped between the repository lookup and
		// here; a stopped hub never receives again.
		select {
		case hub.register <- c:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go c.writePump()
		c.readPump(hub)
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "create", "join", "rejoin", "start",
			"submit_playlist", "submit_elimination", "submit_vote":
			h.events <- gameEvent{
				client: c,
				msg:    msg,
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current game URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	gameID := ps.ByName("gameid")
	if gameID == "" {
		http.Error(w, "missing game id", http.StatusBadRequest)
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

	// We are at /.../:gameid/qr; strip trailing "/qr" to get the game URL.
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

// ---- Static file paths ----

//go:embed mixtape/index.html
var indexHTML []byte

//go:embed mixtape/app.css
var mixoffCSS []byte

//go:embed mixtape/app.js
var mixoffJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(mixoffCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(mixoffJS)
	}
}

// redirectNewGame handles GET /path by generating a new random game ID
// (with server-side collision detection) and redirecting to /path/:gameid.
func redirectNewGame(cfg *Config, path string, repo SessionRepository) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		gameID := repo.NewGameID()
		logf(cfg, "GAMES: Created game %s/%s", path, gameID)
		http.Redirect(w, r, path+"/"+gameID, http.StatusTemporaryRedirect)
	}
}

// registerMixtapeGame sets up routes so that:
//   - $path                  → redirects to new random game (8-char ID)
//   - $path/:gameid          → HTML client
//   - $path/:gameid/ws       → WebSocket for that game
//   - $path/:gameid/qr       → PNG QR code for that game URL
func registerMixtapeGame(cfg *Config, path string, mux *httprouter.Router) {
	repo := newMemoryRepository(cfg)

	// Root path → redirect to new random game
	mux.GET(cfg.prefix+path, redirectNewGame(cfg, cfg.prefix+path, repo))

	// Per-game client view (HTML)
	mux.GET(cfg.prefix+path+"/:gameid", getIndexHandler(cfg))

	// Shared assets (no gameid in route)
	mux.GET(cfg.prefix+"/assets/mixtape/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/mixtape/app.js", getJsHandler(cfg))

	// Per-game websocket
	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWSForRepository(cfg, repo))

	// Per-game QR code
	mux.GET(cfg.prefix+path+"/:gameid/qr", qrHandler)
}
