// Package engine holds the pure rules of the dice game: rolling, category
// scoring, bonuses and rankings. Nothing in here touches storage, clocks or
// connections; every function is deterministic given its inputs, with
// randomness injected through the Rng interface.
package engine

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
)

// Category identifies a scorecard slot. The declaration order below is the
// canonical enumeration order used for deterministic tie-breaks.
type Category string

const (
	CategoryOnes   Category = "ones"
	CategoryTwos   Category = "twos"
	CategoryThrees Category = "threes"
	CategoryFours  Category = "fours"
	CategoryFives  Category = "fives"
	CategorySixes  Category = "sixes"

	CategoryThreeOfAKind  Category = "three_of_a_kind"
	CategoryFourOfAKind   Category = "four_of_a_kind"
	CategoryFullHouse     Category = "full_house"
	CategorySmallStraight Category = "small_straight"
	CategoryLargeStraight Category = "large_straight"
	CategoryDicee         Category = "dicee"
	CategoryChance        Category = "chance"
)

var categories = []Category{
	CategoryOnes, CategoryTwos, CategoryThrees, CategoryFours, CategoryFives, CategorySixes,
	CategoryThreeOfAKind, CategoryFourOfAKind, CategoryFullHouse,
	CategorySmallStraight, CategoryLargeStraight, CategoryDicee, CategoryChance,
}

var upperCategories = map[Category]int{
	CategoryOnes: 1, CategoryTwos: 2, CategoryThrees: 3,
	CategoryFours: 4, CategoryFives: 5, CategorySixes: 6,
}

const (
	// DiceCount is the number of dice in play.
	DiceCount = 5
	// RollsPerTurn is the roll budget for one turn.
	RollsPerTurn = 3

	diceeScore      = 50
	diceeBonusScore = 100
	upperBonusScore = 35
	upperBonusBar   = 63
	fullHouseScore  = 25
	smallStraightScore = 30
	largeStraightScore = 40
)

// Categories returns the thirteen categories in enumeration order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// ValidCategory reports whether s names a known category.
func ValidCategory(s string) bool {
	for _, c := range categories {
		if c == Category(s) {
			return true
		}
	}
	return false
}

// Rng is the randomness source for rolls. Production uses CryptoRng; tests
// inject a seeded generator.
type Rng interface {
	Intn(n int) int
}

// CryptoRng draws from crypto/rand.
type CryptoRng struct{}

// Intn returns a uniform value in [0,n).
func (CryptoRng) Intn(n int) int {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("crypto rand failed: %v", err))
	}
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n))
}

// Roll re-rolls every die whose kept flag is false. Kept dice carry their
// current value forward.
func Roll(rng Rng, current [DiceCount]int, kept [DiceCount]bool) [DiceCount]int {
	var out [DiceCount]int
	for i := 0; i < DiceCount; i++ {
		if kept[i] && current[i] != 0 {
			out[i] = current[i]
		} else {
			out[i] = rng.Intn(6) + 1
		}
	}
	return out
}

func faceCounts(dice [DiceCount]int) [7]int {
	var counts [7]int
	for _, d := range dice {
		if d >= 1 && d <= 6 {
			counts[d]++
		}
	}
	return counts
}

func sum(dice [DiceCount]int) int {
	total := 0
	for _, d := range dice {
		total += d
	}
	return total
}

// IsFiveOfAKind reports whether all five dice show the same face.
func IsFiveOfAKind(dice [DiceCount]int) bool {
	counts := faceCounts(dice)
	for face := 1; face <= 6; face++ {
		if counts[face] == DiceCount {
			return true
		}
	}
	return false
}

// Score computes the canonical value of dice for a category.
func Score(dice [DiceCount]int, category Category) int {
	counts := faceCounts(dice)

	if face, ok := upperCategories[category]; ok {
		return counts[face] * face
	}

	switch category {
	case CategoryThreeOfAKind:
		for face := 1; face <= 6; face++ {
			if counts[face] >= 3 {
				return sum(dice)
			}
		}
		return 0
	case CategoryFourOfAKind:
		for face := 1; face <= 6; face++ {
			if counts[face] >= 4 {
				return sum(dice)
			}
		}
		return 0
	case CategoryFullHouse:
		hasThree, hasTwo := false, false
		for face := 1; face <= 6; face++ {
			switch counts[face] {
			case 3:
				hasThree = true
			case 2:
				hasTwo = true
			}
		}
		if hasThree && hasTwo {
			return fullHouseScore
		}
		return 0
	case CategorySmallStraight:
		runs := [][]int{{1, 2, 3, 4}, {2, 3, 4, 5}, {3, 4, 5, 6}}
		for _, run := range runs {
			ok := true
			for _, face := range run {
				if counts[face] == 0 {
					ok = false
					break
				}
			}
			if ok {
				return smallStraightScore
			}
		}
		return 0
	case CategoryLargeStraight:
		runs := [][]int{{1, 2, 3, 4, 5}, {2, 3, 4, 5, 6}}
		for _, run := range runs {
			ok := true
			for _, face := range run {
				if counts[face] == 0 {
					ok = false
					break
				}
			}
			if ok {
				return largeStraightScore
			}
		}
		return 0
	case CategoryDicee:
		if IsFiveOfAKind(dice) {
			return diceeScore
		}
		return 0
	case CategoryChance:
		return sum(dice)
	}
	return 0
}

// Scorecard is one player's sheet. A nil slot is unscored; a slot, once set,
// never changes for the rest of the game.
type Scorecard struct {
	Slots      map[Category]*int `json:"slots"`
	UpperBonus int               `json:"upperBonus"`
	DiceeBonus int               `json:"diceeBonus"`
}

// NewScorecard returns an empty sheet with every slot unscored.
func NewScorecard() *Scorecard {
	slots := make(map[Category]*int, len(categories))
	for _, c := range categories {
		slots[c] = nil
	}
	return &Scorecard{Slots: slots}
}

// Scored reports whether a category has been finalised.
func (sc *Scorecard) Scored(category Category) bool {
	v, ok := sc.Slots[category]
	return ok && v != nil
}

// Complete reports whether all thirteen slots are filled.
func (sc *Scorecard) Complete() bool {
	for _, c := range categories {
		if !sc.Scored(c) {
			return false
		}
	}
	return true
}

// UpperTotal sums the filled upper-section slots.
func (sc *Scorecard) UpperTotal() int {
	total := 0
	for c := range upperCategories {
		if v := sc.Slots[c]; v != nil {
			total += *v
		}
	}
	return total
}

// Total is the full sheet value: every filled slot plus both bonuses.
func (sc *Scorecard) Total() int {
	total := sc.UpperBonus + sc.DiceeBonus
	for _, c := range categories {
		if v := sc.Slots[c]; v != nil {
			total += *v
		}
	}
	return total
}

// DiceeBonusCount is the number of bonus five-of-a-kinds recorded.
func (sc *Scorecard) DiceeBonusCount() int {
	return sc.DiceeBonus / diceeBonusScore
}

// ApplyScore finalises category with the given dice. It returns the slot
// value and whether a Dicee bonus was accrued. Scoring an already-filled slot
// is an error and leaves the sheet untouched.
func (sc *Scorecard) ApplyScore(dice [DiceCount]int, category Category) (points int, bonus bool, err error) {
	if _, ok := sc.Slots[category]; !ok {
		return 0, false, fmt.Errorf("unknown category %q", category)
	}
	if sc.Scored(category) {
		return 0, false, fmt.Errorf("category %q already scored", category)
	}

	// Bonus rule: a five-of-a-kind rolled after dicee was already scored at
	// 50 is worth +100 on the side, regardless of which slot it lands in.
	if IsFiveOfAKind(dice) {
		if v := sc.Slots[CategoryDicee]; v != nil && *v == diceeScore {
			sc.DiceeBonus += diceeBonusScore
			bonus = true
		}
	}

	points = Score(dice, category)
	sc.Slots[category] = &points

	if sc.UpperBonus == 0 && sc.UpperTotal() >= upperBonusBar {
		sc.UpperBonus = upperBonusScore
	}

	return points, bonus, nil
}

// AutoScoreCategory picks the slot a timed-out turn is forced into: the first
// unused category in enumeration order whose potential score is smallest,
// ties broken by enumeration order.
func (sc *Scorecard) AutoScoreCategory(dice [DiceCount]int) (Category, bool) {
	best := Category("")
	bestScore := 0
	found := false
	for _, c := range categories {
		if sc.Scored(c) {
			continue
		}
		potential := Score(dice, c)
		if !found || potential < bestScore {
			best, bestScore, found = c, potential, true
		}
	}
	return best, found
}

// ForfeitCategory picks the slot a forfeited player's turn scores zero into:
// the first unused category in enumeration order.
func (sc *Scorecard) ForfeitCategory() (Category, bool) {
	for _, c := range categories {
		if !sc.Scored(c) {
			return c, true
		}
	}
	return "", false
}

// Standing is one player's final placement input.
type Standing struct {
	PlayerID   string `json:"playerId"`
	Total      int    `json:"total"`
	DiceeBonus int    `json:"diceeBonusCount"`
	TurnOrder  int    `json:"turnOrder"`
	Rank       int    `json:"rank"`
}

// Rank orders standings by total descending, Dicee bonus count descending,
// then turn order ascending, and assigns 1-based ranks.
func Rank(standings []Standing) []Standing {
	out := make([]Standing, len(standings))
	copy(out, standings)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		if out[i].DiceeBonus != out[j].DiceeBonus {
			return out[i].DiceeBonus > out[j].DiceeBonus
		}
		return out[i].TurnOrder < out[j].TurnOrder
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
