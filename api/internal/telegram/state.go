package telegram

import "sync"

// chatLocks lets each chat have one photo in flight. The zero value is ready to use.
type chatLocks struct {
	mu   sync.Mutex
	busy map[int64]bool
}

func (l *chatLocks) tryLock(chatID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy == nil {
		l.busy = make(map[int64]bool)
	}
	if l.busy[chatID] {
		return false
	}
	l.busy[chatID] = true
	return true
}

func (l *chatLocks) unlock(chatID int64) {
	l.mu.Lock()
	delete(l.busy, chatID)
	l.mu.Unlock()
}
