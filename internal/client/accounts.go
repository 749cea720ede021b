package client

import (
	"errors"
	"sync"
	"time"
)

// Account is one set of posting credentials.
type Account struct {
	BDUSS  string
	SToken string
}

// ErrNoAccount means every configured account is cooling down or none
// were configured at all.
var ErrNoAccount = errors.New("no usable account")

// AccountPool hands out posting credentials round-robin. An account that
// fails a post is benched for a cooldown so one throttled account does
// not absorb every retry.
type AccountPool struct {
	mu       sync.Mutex
	accounts []Account
	benched  map[int]time.Time
	next     int
	cooldown time.Duration
	now      func() time.Time
}

// NewAccountPool builds a pool over the given accounts. Accounts without
// a BDUSS are dropped.
func NewAccountPool(cooldown time.Duration, accounts ...Account) *AccountPool {
	var usable []Account
	for _, a := range accounts {
		if a.BDUSS != "" {
			usable = append(usable, a)
		}
	}
	return &AccountPool{
		accounts: usable,
		benched:  make(map[int]time.Time),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Size returns the number of usable accounts.
func (p *AccountPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// Next returns the next account not on cooldown.
func (p *AccountPool) Next() (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.accounts)
	if n == 0 {
		return Account{}, ErrNoAccount
	}
	now := p.now()
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		if until, bad := p.benched[idx]; bad && now.Before(until) {
			continue
		}
		delete(p.benched, idx)
		p.next = (idx + 1) % n
		return p.accounts[idx], nil
	}
	return Account{}, ErrNoAccount
}

// MarkFailed benches the account for the pool's cooldown.
func (p *AccountPool) MarkFailed(acc Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.accounts {
		if a.BDUSS == acc.BDUSS {
			p.benched[i] = p.now().Add(p.cooldown)
			return
		}
	}
}
