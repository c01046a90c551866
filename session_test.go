package main

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(t *testing.T, aliases ...string) *Session {
	t.Helper()

	s, err := newSession("testgame", "")
	require.NoError(t, err)

	for i, alias := range aliases {
		_, err := s.bind(fmt.Sprintf("conn-%d", i), alias, true, 16)
		require.NoError(t, err)
	}

	return s
}

// submitTapes starts the session and submits a playlist of n songs for every
// player, leaving the session in round 1 (or the final mix for n == 1).
func submitTapes(t *testing.T, s *Session, n int) {
	t.Helper()

	require.NoError(t, s.start())

	for i, p := range s.Players {
		songs := make([]SongInput, n)
		for j := range songs {
			songs[j] = SongInput{Title: fmt.Sprintf("song-%d-%d", i, j)}
		}

		complete, err := s.submitPlaylist(p.Alias, songs, 20)
		require.NoError(t, err)
		require.Equal(t, i == len(s.Players)-1, complete)
	}

	require.NoError(t, s.beginEliminations())
}

// playRound has every player eliminate the first surviving song of their
// assigned playlist, then advances.
func playRound(t *testing.T, s *Session) {
	t.Helper()

	round := s.CurrentRound

	for i, p := range s.Players {
		idx, ok := s.Assignment[foldAlias(p.Alias)]
		require.True(t, ok, "player %q has no assignment", p.Alias)

		songIdx := -1
		for j, song := range s.Playlists[idx].Songs {
			if !song.Eliminated {
				songIdx = j
				break
			}
		}
		require.NotEqual(t, -1, songIdx, "no surviving song to eliminate")

		complete, err := s.recordElimination(p.Alias, idx, songIdx, "gotta go")
		require.NoError(t, err)
		require.Equal(t, i == len(s.Players)-1, complete)
	}

	require.True(t, s.advanceRound(round))
}

func TestPhaseTransitionTable(t *testing.T) {
	cases := []struct {
		from    Phase
		to      Phase
		allowed bool
	}{
		{PhaseLobby, PhaseSubmission, true},
		{PhaseLobby, PhaseElimination, false},
		{PhaseSubmission, PhaseElimination, true},
		{PhaseSubmission, PhaseFinalMix, true},
		{PhaseElimination, PhaseElimination, true},
		{PhaseElimination, PhaseFinalMix, true},
		{PhaseElimination, PhaseLobby, false},
		{PhaseFinalMix, PhaseFinished, true},
		{PhaseFinalMix, PhaseElimination, false},
		{PhaseFinished, PhaseLobby, false},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_to_%s", tc.from, tc.to), func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.from.canTransitionTo(tc.to))
		})
	}
}

func TestBindCreatesAndRebinds(t *testing.T) {
	s := testSession(t)

	p, err := s.bind("conn-a", "Alice", true, 16)
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.Alias)

	// Same connection resolves to the same player without an alias.
	again, err := s.bind("conn-a", "", false, 16)
	require.NoError(t, err)
	assert.Same(t, p, again)

	// A new connection claiming the same alias rebinds the handle: the
	// reconnection path.
	rejoined, err := s.bind("conn-b", "alice", false, 16)
	require.NoError(t, err)
	assert.Same(t, p, rejoined)
	assert.Equal(t, "conn-b", p.ConnID)

	// The stale handle no longer resolves.
	_, err = s.bind("conn-a", "", false, 16)
	assert.ErrorIs(t, err, ErrPlayerNotFound)
}

func TestBindFailureModes(t *testing.T) {
	s := testSession(t, "Alice")

	_, err := s.bind("conn-x", "Ghost", false, 16)
	assert.ErrorIs(t, err, ErrPlayerNotFound)

	_, err = s.bind("conn-x", "   ", true, 16)
	assert.ErrorIs(t, err, ErrMissingAlias)

	_, err = s.bind("conn-x", "Bob", true, 1)
	assert.ErrorIs(t, err, ErrTooManyPlayers)
}

func TestAliasComparisonIsCaseInsensitive(t *testing.T) {
	s := testSession(t, "Alice")

	assert.NotNil(t, s.playerByAlias("ALICE"))
	assert.NotNil(t, s.playerByAlias("alice"))
	assert.Nil(t, s.playerByAlias("bob"))
}

func TestStartRequiresLobby(t *testing.T) {
	s := testSession(t, "Alice", "Bob")

	require.NoError(t, s.start())
	assert.Equal(t, PhaseSubmission, s.Phase)

	assert.ErrorIs(t, s.start(), ErrWrongPhase)
}

func TestSubmitPlaylistValidation(t *testing.T) {
	s := testSession(t, "Alice", "Bob")
	require.NoError(t, s.start())

	_, err := s.submitPlaylist("Ghost", []SongInput{{Title: "x"}}, 20)
	assert.ErrorIs(t, err, ErrPlayerNotFound)

	_, err = s.submitPlaylist("Alice", nil, 20)
	assert.ErrorIs(t, err, ErrEmptyPlaylist)

	_, err = s.submitPlaylist("Alice", []SongInput{{Title: "  "}}, 20)
	assert.ErrorIs(t, err, ErrEmptyPlaylist)

	_, err = s.submitPlaylist("Alice", []SongInput{{Title: "a"}, {Title: "b"}}, 1)
	assert.ErrorIs(t, err, ErrPlaylistTooLong)

	complete, err := s.submitPlaylist("Alice", []SongInput{{Title: "a"}, {Title: "b"}}, 20)
	require.NoError(t, err)
	assert.False(t, complete)

	_, err = s.submitPlaylist("ALICE", []SongInput{{Title: "again"}}, 20)
	assert.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestSubmitPlaylistNormalizesSongs(t *testing.T) {
	s := testSession(t, "Alice", "Bob")
	require.NoError(t, s.start())

	_, err := s.submitPlaylist("Alice", []SongInput{
		{Artist: "  Prince ", Title: " Kiss ", Link: " https://example.com/kiss "},
	}, 20)
	require.NoError(t, err)

	song := s.Playlists[0].Songs[0]
	assert.NotEmpty(t, song.ID)
	assert.Equal(t, "Prince", song.Artist)
	assert.Equal(t, "Kiss", song.Title)
	assert.Equal(t, "https://example.com/kiss", song.Link)
	assert.False(t, song.Eliminated)
}

func TestSongInputAcceptsBareStringsAndObjects(t *testing.T) {
	var msg ClientMessage
	payload := `{"type":"submit_playlist","playlist":["Just A Title",{"artist":"Nina Simone","title":"Sinnerman"}]}`
	require.NoError(t, json.Unmarshal([]byte(payload), &msg))

	require.Len(t, msg.Playlist, 2)
	assert.Equal(t, "Just A Title", msg.Playlist[0].Title)
	assert.Empty(t, msg.Playlist[0].Artist)
	assert.Equal(t, "Nina Simone", msg.Playlist[1].Artist)
	assert.Equal(t, "Sinnerman", msg.Playlist[1].Title)
}

func TestBeginEliminationsComputesMaxRounds(t *testing.T) {
	s := testSession(t, "Alice", "Bob", "Cleo")
	submitTapes(t, s, 5)

	assert.Equal(t, 4, s.MaxRounds)
	assert.Equal(t, 1, s.CurrentRound)
	assert.Equal(t, PhaseElimination, s.Phase)
	assert.Len(t, s.Assignment, 3)
}

func TestSingleSongTapesSkipEliminations(t *testing.T) {
	s := testSession(t, "Alice", "Bob")
	submitTapes(t, s, 1)

	assert.Equal(t, PhaseFinalMix, s.Phase)
	require.Len(t, s.FinalMix, 2)
	for _, e := range s.FinalMix {
		assert.False(t, e.Song.Eliminated)
	}
}

func TestRecordEliminationFailureModes(t *testing.T) {
	s := testSession(t, "Alice", "Bob", "Cleo")

	_, err := s.recordElimination("Alice", 0, 0, "")
	assert.ErrorIs(t, err, ErrWrongPhase, "eliminations before round 1 must fail")

	submitTapes(t, s, 3)

	assigned := s.Assignment[foldAlias("Alice")]
	other := (assigned + 1) % len(s.Playlists)

	_, err = s.recordElimination("Ghost", assigned, 0, "")
	assert.ErrorIs(t, err, ErrPlayerNotFound)

	_, err = s.recordElimination("Alice", other, 0, "")
	assert.ErrorIs(t, err, ErrNotAssigned)

	_, err = s.recordElimination("Alice", assigned, 7, "")
	assert.ErrorIs(t, err, ErrInvalidSongIndex)

	_, err = s.recordElimination("Alice", assigned, -1, "")
	assert.ErrorIs(t, err, ErrInvalidSongIndex)

	// First elimination succeeds; repeating the target song from another
	// player is a state conflict that leaves the playlist unchanged.
	complete, err := s.recordElimination("Alice", assigned, 0, "first")
	require.NoError(t, err)
	assert.False(t, complete)

	_, err = s.recordElimination("Alice", assigned, 1, "")
	assert.ErrorIs(t, err, ErrAlreadySubmitted)

	victim := s.Playlists[assigned].Songs[0]
	require.True(t, victim.Eliminated)
	require.Equal(t, 1, victim.EliminatedRound)

	// Finish the round, then have round 2's reviewer of the same playlist
	// target the song eliminated in round 1.
	for _, p := range s.Players {
		if p.Submitted {
			continue
		}
		idx := s.Assignment[foldAlias(p.Alias)]
		_, err := s.recordElimination(p.Alias, idx, 0, "")
		require.NoError(t, err)
	}
	require.True(t, s.advanceRound(1))
	require.Equal(t, 2, s.CurrentRound)

	reviewer := ""
	for _, p := range s.Players {
		if s.Assignment[foldAlias(p.Alias)] == assigned {
			reviewer = p.Alias
		}
	}
	require.NotEmpty(t, reviewer)

	_, err = s.recordElimination(reviewer, assigned, 0, "")
	assert.ErrorIs(t, err, ErrAlreadyEliminated)
	assert.Equal(t, "first", victim.Comment, "failed elimination must not restamp the song")
}

func TestOwnPlaylistRejectedEvenIfAssigned(t *testing.T) {
	s := testSession(t, "Alice", "Bob")
	submitTapes(t, s, 2)

	// Force a corrupt assignment pointing Alice at her own playlist.
	var own int
	for i, pl := range s.Playlists {
		if pl.Owner == "Alice" {
			own = i
		}
	}
	s.Assignment[foldAlias("Alice")] = own

	_, err := s.recordElimination("Alice", own, 0, "")
	assert.ErrorIs(t, err, ErrOwnPlaylist)
}

func TestEliminationIsMonotonicAndStamped(t *testing.T) {
	s := testSession(t, "Alice", "Bob")
	submitTapes(t, s, 3)

	idx := s.Assignment[foldAlias("Alice")]
	_, err := s.recordElimination("Alice", idx, 1, "not my tempo")
	require.NoError(t, err)

	song := s.Playlists[idx].Songs[1]
	assert.True(t, song.Eliminated)
	assert.Equal(t, 1, song.EliminatedRound)
	assert.Equal(t, "Alice", song.EliminatedBy)
	assert.Equal(t, "not my tempo", song.Comment)

	require.Len(t, s.Playlists[idx].Log, 1)
	assert.Equal(t, song.ID, s.Playlists[idx].Log[0].SongID)
	assert.Equal(t, "Alice", s.Playlists[idx].Log[0].By)
}

func TestRoundAdvancesExactlyOnce(t *testing.T) {
	s := testSession(t, "Alice", "Bob", "Cleo")
	submitTapes(t, s, 3)

	for i, p := range s.Players {
		idx := s.Assignment[foldAlias(p.Alias)]
		complete, err := s.recordElimination(p.Alias, idx, 0, "")
		require.NoError(t, err)
		require.Equal(t, i == len(s.Players)-1, complete)
	}

	// Both "winners" of the completion race call advance for round 1; only
	// the first commits.
	require.True(t, s.advanceRound(1))
	assert.Equal(t, 2, s.CurrentRound)

	assert.False(t, s.advanceRound(1))
	assert.Equal(t, 2, s.CurrentRound)
}

func TestStaleAdvanceIsNoOp(t *testing.T) {
	s := testSession(t, "Alice", "Bob")
	submitTapes(t, s, 3)

	// Nothing submitted yet: the round is still open.
	assert.False(t, s.advanceRound(1))

	// A fence from a round that never was.
	assert.False(t, s.advanceRound(7))
}

func TestFullGameConvergesToFinalMix(t *testing.T) {
	s := testSession(t, "Alice", "Bob", "Cleo")
	submitTapes(t, s, 5)
	require.Equal(t, 4, s.MaxRounds)

	for round := 1; round <= 4; round++ {
		require.Equal(t, round, s.CurrentRound)
		require.Equal(t, PhaseElimination, s.Phase)
		playRound(t, s)
	}

	assert.Equal(t, PhaseFinalMix, s.Phase)
	require.Len(t, s.FinalMix, 3)
	for _, e := range s.FinalMix {
		assert.False(t, e.Song.Eliminated, "final mix entries must be survivors")
		assert.Equal(t, s.Playlists[e.PlaylistIndex].Owner, e.Owner)
	}
}

func TestRoundBudgetForcesFinalMix(t *testing.T) {
	// Uneven tapes: the longest (3 songs) sets maxRounds to 2, so the short
	// tape still holds 2+ survivors when the budget runs out.
	s := testSession(t, "Alice", "Bob")
	require.NoError(t, s.start())

	_, err := s.submitPlaylist("Alice", []SongInput{{Title: "a1"}, {Title: "a2"}, {Title: "a3"}}, 20)
	require.NoError(t, err)
	complete, err := s.submitPlaylist("Bob", []SongInput{{Title: "b1"}, {Title: "b2"}, {Title: "b3"}}, 20)
	require.NoError(t, err)
	require.True(t, complete)
	require.NoError(t, s.beginEliminations())
	require.Equal(t, 2, s.MaxRounds)

	playRound(t, s)
	require.Equal(t, PhaseElimination, s.Phase)
	playRound(t, s)

	assert.Equal(t, PhaseFinalMix, s.Phase)
	assert.Len(t, s.FinalMix, 2)
}

func TestReconnectPreservesRoundState(t *testing.T) {
	s := testSession(t, "Alice", "Bob")
	submitTapes(t, s, 3)

	assigned := s.Assignment[foldAlias("Bob")]

	// Bob drops and reconnects with a fresh connection handle mid-round.
	p, err := s.bind("conn-fresh", "Bob", false, 16)
	require.NoError(t, err)
	assert.False(t, p.Submitted)
	assert.Equal(t, assigned, s.Assignment[foldAlias("Bob")])

	complete, err := s.recordElimination("Bob", assigned, 0, "still here")
	require.NoError(t, err)
	assert.False(t, complete)
	assert.True(t, p.Submitted)
}

func TestPasswordGating(t *testing.T) {
	s, err := newSession("locked", "hunter2")
	require.NoError(t, err)

	assert.NoError(t, s.checkPassword("hunter2"))
	assert.ErrorIs(t, s.checkPassword("wrong"), ErrWrongPassword)

	open, err := newSession("open", "")
	require.NoError(t, err)
	assert.NoError(t, open.checkPassword(""))
	assert.NoError(t, open.checkPassword("anything"))
}
