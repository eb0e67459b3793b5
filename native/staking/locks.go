package staking

import (
	"sync"

	"stakepool/crypto"
)

type refMutex struct {
	sync.Mutex
	refs int
}

// accountLocks hands out one mutex per participant and drops it once no
// caller holds or waits on it.
type accountLocks struct {
	mu    sync.Mutex
	locks map[[crypto.AddressLength]byte]*refMutex
}

func (a *accountLocks) lock(addr crypto.Address) func() {
	key := addr.Array()
	a.mu.Lock()
	if a.locks == nil {
		a.locks = make(map[[crypto.AddressLength]byte]*refMutex)
	}
	m, ok := a.locks[key]
	if !ok {
		m = &refMutex{}
		a.locks[key] = m
	}
	m.refs++
	a.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		a.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(a.locks, key)
		}
		a.mu.Unlock()
	}
}
