package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
)

const (
	codeLength   = 6
	codeMinimum  = 100000
	codeSpan     = 900000
	issueRetries = 5
)

var codeSpanBig = big.NewInt(codeSpan)

// RandomCode returns a uniformly drawn six digit code without a leading zero.
func RandomCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpanBig)
	if err != nil {
		return "", fmt.Errorf("pairing: random code: %w", err)
	}
	return fmt.Sprintf("%06d", codeMinimum+n.Int64()), nil
}

// ValidCode reports whether code is exactly six ASCII digits.
func ValidCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for index := 0; index < len(code); index++ {
		if code[index] < '0' || code[index] > '9' {
			return false
		}
	}
	return true
}

// codeLocks serializes claims of the same code without blocking other codes.
type codeLocks struct {
	mu    sync.Mutex
	locks map[string]*codeLock
}

type codeLock struct {
	mu   sync.Mutex
	refs int
}

func newCodeLocks() *codeLocks {
	return &codeLocks{locks: make(map[string]*codeLock)}
}

func (c *codeLocks) lock(code string) func() {
	c.mu.Lock()
	entry, ok := c.locks[code]
	if !ok {
		entry = &codeLock{}
		c.locks[code] = entry
	}
	entry.refs++
	c.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		c.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(c.locks, code)
		}
		c.mu.Unlock()
	}
}
