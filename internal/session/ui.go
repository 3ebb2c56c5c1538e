package session

import "time"

// CashierUIPriority is how long a cashier UI event suppresses display UI events.
const CashierUIPriority = 700 * time.Millisecond

type uiLock struct {
	role string
	at   time.Time
}

// AllowUIEvent arbitrates UI navigation events between the two screens. A
// cashier always wins and takes the lock; a display event is dropped while
// a cashier event is younger than CashierUIPriority.
func (s *State) AllowUIEvent(role string, now time.Time) bool {
	if role == RoleCashier {
		s.uiLock = uiLock{role: RoleCashier, at: now}
		return true
	}
	if s.uiLock.role == RoleCashier && now.Sub(s.uiLock.at) <= CashierUIPriority {
		return false
	}
	s.uiLock = uiLock{role: role, at: now}
	return true
}
