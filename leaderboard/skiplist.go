// Package leaderboard holds the in-memory ranking index used by the memory store.
package leaderboard

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"

	"statboard/core"
)

// An indexable skip list ordered by (high score desc, entry id asc). Each
// forward pointer records its span in level-0 hops so positional lookups are
// O(log n) as well.

const maxLevel = 24
const pFactor = 0.25

type level struct {
	next *node
	span int
}

type node struct {
	e      core.Entry
	levels [maxLevel]level
}

type SkipList struct {
	mu     sync.RWMutex
	head   *node
	lvl    int
	length int
	byUser map[core.UserID]*node
	rng    *rand.Rand
}

func NewSkipList() *SkipList {
	var seed [16]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		seed = [16]byte{}
	}
	return &SkipList{
		head:   &node{},
		lvl:    1,
		byUser: map[core.UserID]*node{},
		rng:    rand.New(rand.NewPCG(binary.BigEndian.Uint64(seed[:8]), binary.BigEndian.Uint64(seed[8:]))),
	}
}

func (s *SkipList) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && s.rng.Float64() < pFactor {
		lvl++
	}
	return lvl
}

// Upsert inserts the entry or moves the user's existing entry to its new place.
func (s *SkipList) Upsert(e core.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byUser[e.UserID]; ok {
		s.removeLocked(old)
	}
	var update [maxLevel]*node
	var rank [maxLevel]int
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		if i < s.lvl-1 {
			rank[i] = rank[i+1]
		}
		for cur.levels[i].next != nil && core.Less(cur.levels[i].next.e, e) {
			rank[i] += cur.levels[i].span
			cur = cur.levels[i].next
		}
		update[i] = cur
	}
	lvl := s.randomLevel()
	if lvl > s.lvl {
		for i := s.lvl; i < lvl; i++ {
			rank[i] = 0
			update[i] = s.head
			update[i].levels[i].span = s.length
		}
		s.lvl = lvl
	}
	n := &node{e: e}
	for i := 0; i < lvl; i++ {
		n.levels[i].next = update[i].levels[i].next
		update[i].levels[i].next = n
		n.levels[i].span = update[i].levels[i].span - (rank[0] - rank[i])
		update[i].levels[i].span = rank[0] - rank[i] + 1
	}
	for i := lvl; i < s.lvl; i++ {
		update[i].levels[i].span++
	}
	s.length++
	s.byUser[e.UserID] = n
}

func (s *SkipList) removeLocked(target *node) {
	var update [maxLevel]*node
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		for cur.levels[i].next != nil && core.Less(cur.levels[i].next.e, target.e) {
			cur = cur.levels[i].next
		}
		update[i] = cur
	}
	if update[0].levels[0].next != target {
		return
	}
	for i := 0; i < s.lvl; i++ {
		if update[i].levels[i].next == target {
			update[i].levels[i].span += target.levels[i].span - 1
			update[i].levels[i].next = target.levels[i].next
		} else {
			update[i].levels[i].span--
		}
	}
	for s.lvl > 1 && s.head.levels[s.lvl-1].next == nil {
		s.lvl--
	}
	s.length--
	delete(s.byUser, target.e.UserID)
}

func (s *SkipList) Get(user core.UserID) (core.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.byUser[user]; ok {
		return n.e, true
	}
	return core.Entry{}, false
}

// nodeAt returns the node at the 1-indexed position, or nil.
func (s *SkipList) nodeAt(pos int) *node {
	traversed := 0
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		for cur.levels[i].next != nil && traversed+cur.levels[i].span <= pos {
			traversed += cur.levels[i].span
			cur = cur.levels[i].next
		}
		if traversed == pos {
			return cur
		}
	}
	return nil
}

func (s *SkipList) Range(offset, limit int) []core.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 || limit <= 0 || offset >= s.length {
		return nil
	}
	out := make([]core.Entry, 0, min(limit, s.length-offset))
	for cur := s.nodeAt(offset + 1); cur != nil && len(out) < limit; cur = cur.levels[0].next {
		out = append(out, cur.e)
	}
	return out
}

func (s *SkipList) Rank(user core.UserID) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.byUser[user]
	if !ok {
		return 0, false
	}
	rank := 0
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		for cur.levels[i].next != nil && !core.Less(target.e, cur.levels[i].next.e) {
			rank += cur.levels[i].span
			cur = cur.levels[i].next
		}
		if cur == target {
			return rank, true
		}
	}
	return 0, false
}

func (s *SkipList) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}
