package engine

import "sync"

// participantLocks hands out one mutex per participant ID. The
// participant is the unit of mutual exclusion: submit, cancel, and fill
// for the same participant never interleave, while unrelated
// participants proceed in parallel. Mutexes are never released — the set
// is bounded by the number of participants in the contest.
type participantLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newParticipantLocks() *participantLocks {
	return &participantLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *participantLocks) get(participantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[participantID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[participantID] = m
	}
	return m
}
