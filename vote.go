package main

import (
	"log"
	"time"
)

// Choice is the boundary shape of a final-mix vote. Clients may identify an
// entry by its playlist index or by the surviving song's id; resolve maps
// either form to the canonical identity (the playlist index) exactly once,
// so the tally never branches on payload shape.
type Choice struct {
	PlaylistIndex *int   `json:"playlist_index,omitempty"`
	SongID        string `json:"song_id,omitempty"`
}

func (s *Session) resolveChoice(c *Choice) (int, error) {
	if c == nil {
		return 0, ErrInvalidChoice
	}

	if c.PlaylistIndex != nil {
		idx := *c.PlaylistIndex
		for _, e := range s.FinalMix {
			if e.PlaylistIndex == idx {
				return idx, nil
			}
		}
		return 0, ErrInvalidChoice
	}

	if c.SongID != "" {
		for _, e := range s.FinalMix {
			if e.Song != nil && e.Song.ID == c.SongID {
				return e.PlaylistIndex, nil
			}
		}
	}

	return 0, ErrInvalidChoice
}

// buildFinalMix collects the single surviving song of each playlist. Under
// correct round accounting exactly one song survives per playlist; anything
// else falls back to the last song in playlist order and logs the anomaly.
func (s *Session) buildFinalMix() []FinalMixEntry {
	entries := make([]FinalMixEntry, 0, len(s.Playlists))

	for i, pl := range s.Playlists {
		var pick *Song

		alive := pl.survivors()
		switch len(alive) {
		case 1:
			pick = alive[0]
		case 0:
			log.Printf("%s | GAMES: final mix anomaly in %s: playlist %d has no surviving songs",
				time.Now().Format(logDate), s.ID, i)
			pick = pl.Songs[len(pl.Songs)-1]
		default:
			log.Printf("%s | GAMES: final mix anomaly in %s: playlist %d has %d surviving songs",
				time.Now().Format(logDate), s.ID, i, len(alive))
			pick = alive[len(alive)-1]
		}

		entries = append(entries, FinalMixEntry{
			PlaylistIndex: i,
			Owner:         pl.Owner,
			Song:          pick,
		})
	}

	return entries
}

// recordVote stores one player's vote. A repeat vote from the same alias
// overwrites the previous one. The returned flag reports whether every
// player has now voted.
func (s *Session) recordVote(alias string, c *Choice) (complete bool, err error) {
	if s.Phase != PhaseFinalMix {
		return false, ErrWrongPhase
	}

	p := s.playerByAlias(alias)
	if p == nil {
		return false, ErrPlayerNotFound
	}

	idx, err := s.resolveChoice(c)
	if err != nil {
		return false, err
	}

	s.Votes[foldAlias(p.Alias)] = idx

	return len(s.Votes) == len(s.Players), nil
}

// tally groups votes by playlist index and reports every entry tied for the
// highest count. Ties are not broken; all winners are reported.
func (s *Session) tally() (winners []FinalMixEntry, counts map[int]int) {
	counts = make(map[int]int, len(s.FinalMix))
	for _, idx := range s.Votes {
		counts[idx]++
	}

	most := 0
	for _, n := range counts {
		if n > most {
			most = n
		}
	}

	if most == 0 {
		return nil, counts
	}

	for _, e := range s.FinalMix {
		if counts[e.PlaylistIndex] == most {
			winners = append(winners, e)
		}
	}

	return winners, counts
}
