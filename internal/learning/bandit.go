package learning

import (
	"sort"

	"github.com/mrt46/my-freqtrade/pkg/types"
	"github.com/samber/lo"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// GlobalContext keys the arms of a non-contextual bandit.
const GlobalContext = "global"

// Arm is a Beta posterior over a strategy's chance of a good outcome.
type Arm struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Pulls int     `json:"pulls"`
}

// Mean returns the posterior mean.
func (a Arm) Mean() float64 {
	return a.Alpha / (a.Alpha + a.Beta)
}

// Bandit holds Thompson sampling arms, optionally keyed by regime context.
// Draws come from a seeded source so a replay with the same seed selects the
// same strategies. Not safe for concurrent use.
type Bandit struct {
	config *Config
	ids    []types.StrategyID
	arms   map[string]map[types.StrategyID]*Arm
	src    rand.Source
	rng    *rand.Rand
}

// NewBandit creates a bandit with prior arms for the given strategies.
func NewBandit(config *Config, ids []types.StrategyID) *Bandit {
	if config == nil {
		config = DefaultConfig()
	}
	src := rand.NewSource(config.Seed)
	b := &Bandit{
		config: config,
		ids:    append([]types.StrategyID(nil), ids...),
		arms:   make(map[string]map[types.StrategyID]*Arm),
		src:    src,
		rng:    rand.New(src),
	}
	b.context(GlobalContext)
	return b
}

// Key returns the arm context for a regime label.
func (b *Bandit) Key(label string) string {
	if !b.config.Contextual || label == "" {
		return GlobalContext
	}
	return label
}

func (b *Bandit) context(key string) map[types.StrategyID]*Arm {
	arms, ok := b.arms[key]
	if !ok {
		arms = make(map[types.StrategyID]*Arm, len(b.ids))
		for _, id := range b.ids {
			arms[id] = &Arm{Alpha: b.config.PriorAlpha, Beta: b.config.PriorBeta}
		}
		b.arms[key] = arms
	}
	return arms
}

func (b *Bandit) arm(key string, id types.StrategyID) *Arm {
	arms := b.context(key)
	a, ok := arms[id]
	if !ok {
		a = &Arm{Alpha: b.config.PriorAlpha, Beta: b.config.PriorBeta}
		arms[id] = a
	}
	return a
}

// Sample draws θ ~ Beta(α, β) from a strategy's arm.
func (b *Bandit) Sample(label string, id types.StrategyID) float64 {
	a := b.arm(b.Key(label), id)
	dist := distuv.Beta{Alpha: a.Alpha, Beta: a.Beta, Src: b.src}
	return dist.Rand()
}

// Mean returns the posterior mean of a strategy's arm.
func (b *Bandit) Mean(label string, id types.StrategyID) float64 {
	return b.arm(b.Key(label), id).Mean()
}

// Float64 returns a uniform draw in [0, 1) from the bandit's source.
func (b *Bandit) Float64() float64 {
	return b.rng.Float64()
}

// Intn returns a uniform draw in [0, n) from the bandit's source.
func (b *Bandit) Intn(n int) int {
	return b.rng.Intn(n)
}

// Update credits a strategy's arm with a normalized outcome.
func (b *Bandit) Update(label string, id types.StrategyID, profit float64) Arm {
	n := Normalize(profit, b.config.ProfitScale)
	a := b.arm(b.Key(label), id)
	a.Alpha += n
	a.Beta += 1 - n
	a.Pulls++
	return *a
}

// Arms returns a copy of the arms for a regime label.
func (b *Bandit) Arms(label string) map[types.StrategyID]Arm {
	out := make(map[types.StrategyID]Arm)
	for id, a := range b.context(b.Key(label)) {
		out[id] = *a
	}
	return out
}

// Contexts returns the known context keys in sorted order.
func (b *Bandit) Contexts() []string {
	keys := make([]string, 0, len(b.arms))
	for k := range b.arms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of every arm.
func (b *Bandit) Snapshot() map[string]map[types.StrategyID]Arm {
	out := make(map[string]map[types.StrategyID]Arm, len(b.arms))
	for key := range b.arms {
		out[key] = b.Arms(key)
	}
	return out
}

// Restore replaces arms with persisted values. Arms of unregistered
// strategies are ignored.
func (b *Bandit) Restore(saved map[string]map[types.StrategyID]Arm) {
	for key, arms := range saved {
		ctx := b.context(key)
		for id, a := range arms {
			if !lo.Contains(b.ids, id) || a.Alpha <= 0 || a.Beta <= 0 {
				continue
			}
			arm := a
			ctx[id] = &arm
		}
	}
}
