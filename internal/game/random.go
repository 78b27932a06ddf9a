package game

import (
	"context"
	"crypto/rand"
	"fmt"
)

// Source produces the sealed randomness that resolves a bet. Acquiring
// it may block (an external beacon, a VRF round trip), so it takes a
// context and runs outside the engine lock.
type Source interface {
	Randomness(ctx context.Context) ([32]byte, error)
}

// CryptoSource draws from the operating system CSPRNG.
type CryptoSource struct{}

func (CryptoSource) Randomness(_ context.Context) ([32]byte, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return seed, fmt.Errorf("read randomness: %w", err)
	}
	return seed, nil
}

// FixedSource replays a fixed seed sequence for deterministic tests.
type FixedSource struct {
	Seeds [][32]byte
	Err   error
	next  int
}

func (f *FixedSource) Randomness(_ context.Context) ([32]byte, error) {
	if f.Err != nil {
		return [32]byte{}, f.Err
	}
	if f.next >= len(f.Seeds) {
		return [32]byte{}, fmt.Errorf("fixed source exhausted after %d seeds", f.next)
	}
	seed := f.Seeds[f.next]
	f.next++
	return seed, nil
}
