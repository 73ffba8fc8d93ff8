package routing

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/kilianp07/fleetdispatch/core/factory"
	"github.com/kilianp07/fleetdispatch/core/model"
)

// Strategy names.
const (
	GreedyInsertion = "greedy_insertion"
	NearestNeighbor = "nearest_neighbor"
	GeneticAlgo     = "genetic_algorithm"
)

// Strategy orders the orders carried by a vehicle. Every strategy returns a
// permutation of orders; stops are built from it with Build.
type Strategy interface {
	Name() string
	Sequence(v model.Vehicle, orders []model.Order, start time.Time) []model.Order
}

var strategies = factory.NewRegistry[Strategy]()

func init() {
	strategies.MustRegister(GreedyInsertion, func(map[string]any) (Strategy, error) { return Greedy{}, nil })
	strategies.MustRegister(NearestNeighbor, func(map[string]any) (Strategy, error) { return Nearest{}, nil })
	strategies.MustRegister(GeneticAlgo, func(conf map[string]any) (Strategy, error) {
		var g Genetic
		if err := factory.Decode(conf, &g); err != nil {
			return nil, fmt.Errorf("genetic config: %w", err)
		}
		return g, nil
	})
}

// NewStrategy builds the strategy registered under name. An empty name
// selects greedy insertion.
func NewStrategy(name string, conf map[string]any) (Strategy, error) {
	if name == "" {
		name = GreedyInsertion
	}
	return strategies.Create(factory.ModuleConfig{Type: name, Conf: conf})
}

// StrategyNames lists the registered strategies.
func StrategyNames() []string { return strategies.Names() }

// Greedy repeatedly picks the order with the cheapest pickup then delivery
// legs from the current position, penalising early arrival by 0.1 per
// minute of waiting and a missed window end by 1000.
type Greedy struct{}

func (Greedy) Name() string { return GreedyInsertion }

func (Greedy) Sequence(v model.Vehicle, orders []model.Order, start time.Time) []model.Order {
	remaining := slices.Clone(orders)
	// ties go to higher priority, then earlier window end
	slices.SortStableFunc(remaining, func(a, b model.Order) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return windowEnd(a).Compare(windowEnd(b))
	})
	out := make([]model.Order, 0, len(orders))
	loc, clock := v.Location, start
	for len(remaining) > 0 {
		best, bestCost := 0, math.Inf(1)
		for i, o := range remaining {
			if c := insertionCost(loc, clock, o); c < bestCost {
				best, bestCost = i, c
			}
		}
		o := remaining[best]
		out = append(out, o)
		remaining = slices.Delete(remaining, best, best+1)

		pick := TravelLeg(loc, o.Pickup, clock)
		clock = clock.Add(minutes(pick.Minutes + PickupServiceMinutes))
		drop := TravelLeg(o.Pickup, o.Delivery, clock)
		clock = clock.Add(minutes(drop.Minutes + DeliveryServiceMinutes))
		loc = o.Delivery
	}
	return out
}

func windowEnd(o model.Order) time.Time {
	if o.Window == nil {
		return time.Unix(math.MaxInt32, 0)
	}
	return o.Window.End
}

func insertionCost(loc model.Location, clock time.Time, o model.Order) float64 {
	pick := TravelLeg(loc, o.Pickup, clock)
	afterPick := clock.Add(minutes(pick.Minutes + PickupServiceMinutes))
	drop := TravelLeg(o.Pickup, o.Delivery, afterPick)
	cost := pick.Cost + drop.Cost
	if o.Window == nil {
		return cost
	}
	arrive := afterPick.Add(minutes(drop.Minutes))
	if arrive.Before(o.Window.Start) {
		cost += waitCostPerMinute * o.Window.Start.Sub(arrive).Minutes()
	}
	if arrive.After(o.Window.End) {
		cost += latePenalty
	}
	return cost
}

// Nearest visits the order with the closest pickup next.
type Nearest struct{}

func (Nearest) Name() string { return NearestNeighbor }

func (Nearest) Sequence(v model.Vehicle, orders []model.Order, _ time.Time) []model.Order {
	remaining := slices.Clone(orders)
	out := make([]model.Order, 0, len(orders))
	loc := v.Location
	for len(remaining) > 0 {
		best, bestKm := 0, math.Inf(1)
		for i, o := range remaining {
			if km := model.HaversineKm(loc, o.Pickup); km < bestKm {
				best, bestKm = i, km
			}
		}
		o := remaining[best]
		out = append(out, o)
		remaining = slices.Delete(remaining, best, best+1)
		loc = o.Delivery
	}
	return out
}

// Genetic searches order permutations with tournament selection, order
// crossover and swap mutation. The generation count bounds the search and a
// fixed seed makes it deterministic.
type Genetic struct {
	Population   int     `json:"population"`
	Generations  int     `json:"generations"`
	Tournament   int     `json:"tournament"`
	MutationRate float64 `json:"mutation_rate"`
	Seed         uint64  `json:"seed"`
}

func (Genetic) Name() string { return GeneticAlgo }

func (g Genetic) withDefaults(n int) Genetic {
	if g.Population <= 0 {
		g.Population = min(20, 2*n)
	}
	if g.Generations <= 0 {
		g.Generations = 50
	}
	if g.Tournament <= 0 {
		g.Tournament = 3
	}
	if g.MutationRate <= 0 {
		g.MutationRate = 0.1
	}
	return g
}

func (g Genetic) Sequence(v model.Vehicle, orders []model.Order, start time.Time) []model.Order {
	n := len(orders)
	if n < 2 {
		return slices.Clone(orders)
	}
	g = g.withDefaults(n)
	rng := rand.New(rand.NewPCG(g.Seed, g.Seed^0x9e3779b97f4a7c15))

	fitness := func(perm []int) float64 {
		seq := make([]model.Order, n)
		for i, idx := range perm {
			seq[i] = orders[idx]
		}
		return 1 / (Cost(Build(v, seq, start)) + 1e-9)
	}

	pop := make([][]int, g.Population)
	for i := range pop {
		pop[i] = rng.Perm(n)
	}
	scores := make([]float64, len(pop))
	for gen := 0; gen < g.Generations; gen++ {
		for i, p := range pop {
			scores[i] = fitness(p)
		}
		next := make([][]int, len(pop))
		for i := range next {
			a := pop[tournament(rng, scores, g.Tournament)]
			b := pop[tournament(rng, scores, g.Tournament)]
			child := orderCrossover(rng, a, b)
			if rng.Float64() < g.MutationRate {
				x, y := rng.IntN(n), rng.IntN(n-1)
				if y >= x {
					y++
				}
				child[x], child[y] = child[y], child[x]
			}
			next[i] = child
		}
		pop = next
	}
	for i, p := range pop {
		scores[i] = fitness(p)
	}
	best := pop[floats.MaxIdx(scores)]
	out := make([]model.Order, n)
	for i, idx := range best {
		out[i] = orders[idx]
	}
	return out
}

func tournament(rng *rand.Rand, scores []float64, size int) int {
	size = min(size, len(scores))
	best := -1
	for _, i := range rng.Perm(len(scores))[:size] {
		if best < 0 || scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// orderCrossover copies a random slice of a and fills the rest in b's order.
func orderCrossover(rng *rand.Rand, a, b []int) []int {
	n := len(a)
	if n <= 2 {
		return slices.Clone(a)
	}
	start := rng.IntN(n - 1)
	end := start + 1 + rng.IntN(n-start)
	child := make([]int, n)
	used := make(map[int]bool, n)
	for i := range child {
		child[i] = -1
	}
	for i := start; i < end; i++ {
		child[i] = a[i]
		used[a[i]] = true
	}
	j := 0
	for i := range child {
		if child[i] >= 0 {
			continue
		}
		for used[b[j]] {
			j++
		}
		child[i] = b[j]
		used[b[j]] = true
	}
	return child
}
