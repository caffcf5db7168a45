package draw

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
)

// RandomSource picks uniform integers in [0, n).
type RandomSource interface {
	IntN(n int) int
}

// cryptoSource feeds math/rand/v2 from crypto/rand.
type cryptoSource struct{}

func (cryptoSource) Uint64() uint64 {
	var buf [8]byte
	_, _ = cryptoRand.Read(buf[:])
	return binary.BigEndian.Uint64(buf[:])
}

// DefaultRNG is the source used for label assignment in production.
func DefaultRNG() RandomSource { return rand.New(cryptoSource{}) }

// NewSeededRNG returns a reproducible source for simulations and tests.
func NewSeededRNG(seed uint64) RandomSource {
	return rand.New(rand.NewPCG(seed, 0))
}

// AssignLabels selects n labels from pool without replacement using a
// partial Fisher-Yates shuffle. pool is not modified.
func AssignLabels(pool []string, n int, rng RandomSource) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("draw: outcome count %d must be positive", n)
	}
	if n > len(pool) {
		return nil, fmt.Errorf("draw: label pool has %d labels, need %d", len(pool), n)
	}
	if rng == nil {
		rng = DefaultRNG()
	}
	work := append([]string(nil), pool...)
	for i := 0; i < n; i++ {
		j := i + rng.IntN(len(work)-i)
		work[i], work[j] = work[j], work[i]
	}
	return work[:n:n], nil
}

// ModeFor rotates presentation modes by round id: modes[(id-1) mod len].
func ModeFor(roundID int64, modes []string) string {
	if len(modes) == 0 {
		return ""
	}
	i := (roundID - 1) % int64(len(modes))
	if i < 0 {
		i += int64(len(modes))
	}
	return modes[i]
}
