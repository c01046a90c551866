package main

import (
	"log"
	"math/rand"
	"strings"
	"time"
)

// assignRound computes the reviewer → playlist mapping for the coming round.
// Every playlist is handed to exactly one player and every player receives
// exactly one playlist. Nobody is given their own mixtape while any other
// remains available, and previously seen pairings are avoided while an
// unseen playlist is still in the pool.
//
// Players pick in shuffled order so that no one is systematically first to
// draw from the constrained pool.
func (s *Session) assignRound() map[string]int {
	pool := make([]int, len(s.Playlists))
	for i := range pool {
		pool[i] = i
	}

	order := make([]*Player, len(s.Players))
	copy(order, s.Players)
	rand.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})

	assignment := make(map[string]int, len(order))

	for _, p := range order {
		if len(pool) == 0 {
			break
		}

		candidates := s.eligible(pool, p, true)
		if len(candidates) == 0 {
			// Every unassigned playlist has been seen before; permit a
			// repeat pairing rather than a self-assignment.
			candidates = s.eligible(pool, p, false)
		}
		if len(candidates) == 0 {
			// Nothing remains but the player's own mixtape. Trade with an
			// earlier pick so the round still satisfies no-self-review.
			if traded := s.trade(p, pool, assignment); traded {
				pool = pool[:0]
				continue
			}

			// Degenerate session: no trade partner exists, so the player
			// receives a playlist from the raw pool. This is the only path
			// that can violate no-self-review; it is always logged, never
			// silently accepted.
			log.Printf("%s | GAMES: assignment fallback in %s round %d: %q receives a playlist from the raw pool",
				time.Now().Format(logDate), s.ID, s.CurrentRound, p.Alias)
			candidates = append(candidates, pool...)
		}

		pick := candidates[rand.Intn(len(candidates))]

		key := foldAlias(p.Alias)
		assignment[key] = pick
		if s.History[key] == nil {
			s.History[key] = make(map[int]bool)
		}
		s.History[key][pick] = true

		pool = withoutIndex(pool, pick)
	}

	return assignment
}

// eligible filters the pool down to playlists the player may review: never
// their own, and optionally none they have reviewed in a previous round.
func (s *Session) eligible(pool []int, p *Player, respectHistory bool) []int {
	key := foldAlias(p.Alias)

	out := make([]int, 0, len(pool))
	for _, idx := range pool {
		if strings.EqualFold(s.Playlists[idx].Owner, p.Alias) {
			continue
		}
		if respectHistory && s.History[key][idx] {
			continue
		}
		out = append(out, idx)
	}
	return out
}

// trade resolves a dead-ended pick: the pool is down to the player's own
// mixtape, so some earlier pick hands over their playlist and takes this
// player's instead. The partner's new playlist is owned by the stuck player,
// never by the partner, so no-self-review survives the swap. Partners who
// have not yet seen the traded playlist are preferred.
func (s *Session) trade(p *Player, pool []int, assignment map[string]int) bool {
	if len(pool) != 1 {
		return false
	}
	own := pool[0]
	key := foldAlias(p.Alias)

	for _, respectHistory := range []bool{true, false} {
		for qKey, qIdx := range assignment {
			if strings.EqualFold(s.Playlists[qIdx].Owner, p.Alias) {
				continue
			}
			if respectHistory && (s.History[key][qIdx] || s.History[qKey][own]) {
				continue
			}

			assignment[key] = qIdx
			assignment[qKey] = own

			if s.History[key] == nil {
				s.History[key] = make(map[int]bool)
			}
			s.History[key][qIdx] = true
			s.History[qKey][own] = true

			log.Printf("%s | GAMES: assignment trade in %s round %d: %q takes playlist %d from %q",
				time.Now().Format(logDate), s.ID, s.CurrentRound, p.Alias, qIdx, qKey)

			return true
		}
	}

	return false
}

func withoutIndex(pool []int, value int) []int {
	out := pool[:0]
	for _, v := range pool {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
