// Package game holds the house game resolvers. A resolver is a pure
// function from (bet, seed) to payout: no state, no clocks, no I/O, so
// every settlement is replayable from the audit record. The set of
// games is closed at compile time.
package game

import (
	"encoding/binary"
	"errors"
	"fmt"

	cmath "Bankroll/internal/math"
)

// Kind identifies one of the built-in games.
type Kind int32

const (
	KindDice Kind = iota
	KindCrash
	KindPlinko
)

var kindNames = map[Kind]string{
	KindDice:   "dice",
	KindCrash:  "crash",
	KindPlinko: "plinko",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int32(k))
}

// ErrUnknownGame is returned for a Kind outside the closed set.
var ErrUnknownGame = errors.New("unknown game")

// ParseKind maps a wire name to a Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", name, ErrUnknownGame)
}

// WorstCaseMultiplier returns the largest payout-to-bet ratio the game
// can produce. The engine caps bets so bet * multiplier never exceeds
// the pool's max-payout bound.
func WorstCaseMultiplier(kind Kind) (uint64, error) {
	switch kind {
	case KindDice:
		return 2, nil
	case KindCrash:
		// the cash-out line is fixed at 2.00x, so the crash point's
		// 100x cap never reaches the payout
		return 2, nil
	case KindPlinko:
		return 10, nil
	default:
		return 0, fmt.Errorf("%v: %w", kind, ErrUnknownGame)
	}
}

// Resolve maps a sealed randomness seed to a payout. Zero means the
// bettor lost. Payouts use checked integer math only and are bounded by
// bet * WorstCaseMultiplier(kind); a stake whose payout would not fit
// in uint64 returns math.ErrOverflow rather than wrapping.
func Resolve(kind Kind, bet uint64, seed [32]byte) (uint64, error) {
	switch kind {
	case KindDice:
		return resolveDice(bet, seed)
	case KindCrash:
		return resolveCrash(bet, seed)
	case KindPlinko:
		return resolvePlinko(bet, seed)
	default:
		return 0, fmt.Errorf("%v: %w", kind, ErrUnknownGame)
	}
}

// resolveDice pays 2x on a sub-48% roll. The 2% gap is the house edge.
func resolveDice(bet uint64, seed [32]byte) (uint64, error) {
	roll := binary.LittleEndian.Uint64(seed[:8]) % 10_000
	if roll < 4_800 {
		return cmath.CheckedMul(bet, 2)
	}
	return 0, nil
}

// resolveCrash draws a crash point on a 1/x-shaped curve capped at
// 100x and pays out at a fixed 2x cash-out line. crashPoint is in
// hundredths of a multiplier (100 = 1.00x).
func resolveCrash(bet uint64, seed [32]byte) (uint64, error) {
	draw := binary.LittleEndian.Uint64(seed[8:16]) % 10_000
	// 4% instant bust keeps the edge positive under the capped curve.
	if draw < 400 {
		return 0, nil
	}
	crashPoint := uint64(990_000) / (10_000 - draw)
	if crashPoint > 10_000 {
		crashPoint = 10_000
	}
	const cashOut = 200 // 2.00x
	if crashPoint >= cashOut {
		return cmath.MulDiv(bet, cashOut, 100)
	}
	return 0, nil
}

// resolvePlinko counts set bits across two seed words as the 16-row
// drop path and pays by distance from the board's center slot.
func resolvePlinko(bet uint64, seed [32]byte) (uint64, error) {
	path := binary.LittleEndian.Uint64(seed[16:24])
	rights := 0
	for i := 0; i < 16; i++ {
		if path&(1<<i) != 0 {
			rights++
		}
	}
	// multipliers in hundredths, symmetric around slot 8
	dist := rights - 8
	if dist < 0 {
		dist = -dist
	}
	multipliers := [9]uint64{20, 40, 60, 90, 110, 150, 300, 500, 1_000}
	// the 10x edge slot's hundredths product can wrap where the final
	// quotient still fits, so the division runs on a wide intermediate
	return cmath.MulDiv(bet, multipliers[dist], 100)
}
