package problem

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mcdev12/mathduel/go/internal/models"
)

// MaxBound is the largest difficulty bound a session may use. Answers to
// addition problems then fit the three-digit keypad.
const MaxBound = 499

// Generator produces random arithmetic problems. It is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a generator seeded from the wall clock.
func NewGenerator() *Generator {
	seed := uint64(time.Now().UnixNano())
	return NewSeededGenerator(seed, seed>>1)
}

// NewSeededGenerator creates a deterministic generator for tests and replays.
func NewSeededGenerator(seed1, seed2 uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Generate picks two operands uniformly in [1, bound] and returns either their
// sum or the difference of the larger and smaller, so the answer is never
// negative. Bounds below 1 are treated as 1.
func (g *Generator) Generate(bound int) models.Problem {
	if bound < 1 {
		bound = 1
	}

	g.mu.Lock()
	a := g.rng.IntN(bound) + 1
	b := g.rng.IntN(bound) + 1
	plus := g.rng.IntN(2) == 0
	g.mu.Unlock()

	if plus {
		return models.Problem{
			Expression: fmt.Sprintf("%d + %d", a, b),
			Answer:     a + b,
		}
	}
	hi, lo := max(a, b), min(a, b)
	return models.Problem{
		Expression: fmt.Sprintf("%d - %d", hi, lo),
		Answer:     hi - lo,
	}
}

// Code returns a four-digit session code in [1000, 9999].
func (g *Generator) Code() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("%04d", 1000+g.rng.IntN(9000))
}
