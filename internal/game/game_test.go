package game

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	cmath "Bankroll/internal/math"
)

func seedWith(word int, v uint64) [32]byte {
	var s [32]byte
	binary.LittleEndian.PutUint64(s[word*8:], v)
	return s
}

func TestParseKindRoundTrip(t *testing.T) {
	for _, name := range []string{"dice", "crash", "plinko"} {
		k, err := ParseKind(name)
		if err != nil {
			t.Fatalf("parse %q: %v", name, err)
		}
		if k.String() != name {
			t.Fatalf("String() = %q, want %q", k.String(), name)
		}
	}
	if _, err := ParseKind("roulette"); !errors.Is(err, ErrUnknownGame) {
		t.Fatalf("err = %v, want ErrUnknownGame", err)
	}
}

func TestDiceWinAndLossBoundaries(t *testing.T) {
	if got, _ := Resolve(KindDice, 100, seedWith(0, 4_799)); got != 200 {
		t.Fatalf("roll 4799 payout = %d, want 200", got)
	}
	if got, _ := Resolve(KindDice, 100, seedWith(0, 4_800)); got != 0 {
		t.Fatalf("roll 4800 payout = %d, want 0", got)
	}
}

func TestCrashInstantBustAndCashOut(t *testing.T) {
	if got, _ := Resolve(KindCrash, 100, seedWith(1, 0)); got != 0 {
		t.Fatalf("instant bust payout = %d, want 0", got)
	}
	// draw 9990 -> crash point 990000/10 = 99.00x, well past the 2x line
	if got, _ := Resolve(KindCrash, 100, seedWith(1, 9_990)); got != 200 {
		t.Fatalf("high crash payout = %d, want 200", got)
	}
	// draw 5000 -> crash point 990000/5000 = 1.98x, below the line
	if got, _ := Resolve(KindCrash, 100, seedWith(1, 5_000)); got != 0 {
		t.Fatalf("early crash payout = %d, want 0", got)
	}
}

func TestPlinkoCenterAndEdgeSlots(t *testing.T) {
	// exactly 8 set bits lands in the center slot at 0.2x
	if got, _ := Resolve(KindPlinko, 1_000, seedWith(2, 0xFF)); got != 200 {
		t.Fatalf("center slot payout = %d, want 200", got)
	}
	// all 16 bits set lands in the edge slot at 10x
	if got, _ := Resolve(KindPlinko, 1_000, seedWith(2, 0xFFFF)); got != 10_000 {
		t.Fatalf("edge slot payout = %d, want 10000", got)
	}
}

func TestPayoutNeverExceedsWorstCase(t *testing.T) {
	const bet = 12_345
	for _, kind := range []Kind{KindDice, KindCrash, KindPlinko} {
		mult, err := WorstCaseMultiplier(kind)
		if err != nil {
			t.Fatal(err)
		}
		for i := uint64(0); i < 20_000; i++ {
			var seed [32]byte
			binary.LittleEndian.PutUint64(seed[0:], i)
			binary.LittleEndian.PutUint64(seed[8:], i)
			binary.LittleEndian.PutUint64(seed[16:], i*2_654_435_761)
			payout, err := Resolve(kind, bet, seed)
			if err != nil {
				t.Fatal(err)
			}
			if payout > bet*mult {
				t.Fatalf("%v seed %d: payout %d exceeds bet*%d", kind, i, payout, mult)
			}
		}
	}
}

func TestLargeStakePayoutsDoNotWrap(t *testing.T) {
	// 2e16 in the 10x edge slot: the hundredths product exceeds uint64
	// but the payout itself fits, so it must come out exact
	const bet = uint64(20_000_000_000_000_000)
	got, err := Resolve(KindPlinko, bet, seedWith(2, 0xFFFF))
	if err != nil {
		t.Fatal(err)
	}
	if want := bet * 10; got != want {
		t.Fatalf("edge slot payout = %d, want %d", got, want)
	}

	// a payout that cannot fit errors instead of wrapping
	if _, err := Resolve(KindDice, math.MaxUint64, seedWith(0, 0)); !errors.Is(err, cmath.ErrOverflow) {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
	if _, err := Resolve(KindCrash, math.MaxUint64, seedWith(1, 9_990)); !errors.Is(err, cmath.ErrOverflow) {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
}

func TestCrashWorstCaseMatchesCashOutLine(t *testing.T) {
	mult, err := WorstCaseMultiplier(KindCrash)
	if err != nil {
		t.Fatal(err)
	}
	if mult != 2 {
		t.Fatalf("multiplier = %d, want 2", mult)
	}
	// a winning crash pays exactly at the worst case, so the bound is tight
	got, err := Resolve(KindCrash, 100, seedWith(1, 9_990))
	if err != nil {
		t.Fatal(err)
	}
	if got != 100*mult {
		t.Fatalf("winning payout = %d, want %d", got, 100*mult)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	seed := seedWith(1, 9_990)
	a, _ := Resolve(KindCrash, 777, seed)
	b, _ := Resolve(KindCrash, 777, seed)
	if a != b {
		t.Fatalf("same seed gave %d then %d", a, b)
	}
}

func TestFixedSourceReplaysInOrder(t *testing.T) {
	src := &FixedSource{Seeds: [][32]byte{seedWith(0, 1), seedWith(0, 2)}}
	first, err := src.Randomness(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := src.Randomness(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("fixed source repeated a seed")
	}
	if _, err := src.Randomness(context.Background()); err == nil {
		t.Fatal("exhausted source returned no error")
	}
}
