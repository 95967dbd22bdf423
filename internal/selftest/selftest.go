// Package selftest exercises the buffer allocator the way the engine never
// quite does on its own: every permutation of a boundary-straddling size set
// in every allocation and free order, followed by randomized concurrent
// churn, with full invariant verification between steps.
package selftest

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/tether/internal/ipc/alloc"
	"github.com/GriffinCanCode/tether/internal/logging"
)

// Config tunes one self-test run.
type Config struct {
	PageSize    int   `json:"page_size"`
	Pages       int   `json:"pages"`       // reservation, in pages
	Workers     int   `json:"workers"`     // concurrent churn goroutines
	Ops         int   `json:"ops"`         // churn operations per worker
	Seed        int64 `json:"seed"`        // 0 means time-derived
	SkipChurn   bool  `json:"skip_churn"`  // permutation walk only
	MaxFailures int   `json:"max_failures"`
}

// DefaultConfig returns the standard run: a 32-page allocator, five
// boundary sizes, four workers of a thousand operations each.
func DefaultConfig() Config {
	return Config{
		PageSize:    4096,
		Pages:       32,
		Workers:     4,
		Ops:         1000,
		MaxFailures: 10,
	}
}

// Result summarizes one run.
type Result struct {
	Passed       bool          `json:"passed"`
	Permutations int           `json:"permutations"`
	ChurnOps     int           `json:"churn_ops"`
	Failures     []string      `json:"failures,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Run executes the full harness.
func Run(log *logging.Logger, cfg Config) (*Result, error) {
	if log == nil {
		log = logging.NewDefault()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if cfg.Pages <= 0 {
		cfg.Pages = DefaultConfig().Pages
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	start := time.Now()
	res := &Result{Passed: true}

	if err := runPermutations(cfg, res); err != nil {
		return nil, err
	}
	if !cfg.SkipChurn && cfg.Workers > 0 && cfg.Ops > 0 {
		if err := runChurn(cfg, res); err != nil {
			return nil, err
		}
	}

	res.Duration = time.Since(start)
	res.Passed = len(res.Failures) == 0
	log.Info("allocator self-test finished",
		zap.Bool("passed", res.Passed),
		zap.Int("permutations", res.Permutations),
		zap.Int("churn_ops", res.ChurnOps),
		zap.Int("failures", len(res.Failures)),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// boundarySizes picks five sizes that straddle page boundaries in different
// ways: sub-page, exactly one page, page plus alignment slack, and
// multi-page with and without a partial tail.
func boundarySizes(pageSize int) [5]int {
	return [5]int{
		pageSize / 2,
		pageSize,
		pageSize + 8,
		2 * pageSize,
		2*pageSize + pageSize/2,
	}
}

// runPermutations allocates the size set in every order and, for each,
// frees it in every order, verifying tiling and page accounting at each
// step and full release at the end.
func runPermutations(cfg Config, res *Result) error {
	sizes := boundarySizes(cfg.PageSize)

	a := alloc.New(logging.NewNop(), cfg.PageSize)
	if err := a.Reserve(cfg.Pages * cfg.PageSize); err != nil {
		return fmt.Errorf("selftest: reserve: %w", err)
	}
	defer a.Teardown()

	allocOrders := permutations(len(sizes))
	freeOrders := permutations(len(sizes))
	for _, ao := range allocOrders {
		for _, fo := range freeOrders {
			res.Permutations++
			if !onePermutation(a, sizes, ao, fo, res, cfg.MaxFailures) {
				return nil
			}
		}
	}
	return nil
}

// onePermutation runs a single alloc-order/free-order pair. Reports false
// once the failure budget is exhausted.
func onePermutation(a *alloc.Allocator, sizes [5]int, allocOrder, freeOrder []int, res *Result, maxFailures int) bool {
	fail := func(format string, args ...interface{}) bool {
		res.Failures = append(res.Failures, fmt.Sprintf(format, args...))
		return len(res.Failures) < maxFailures
	}

	buffers := make([]*alloc.Buffer, len(sizes))
	for _, i := range allocOrder {
		b, err := a.Allocate(sizes[i], 0, 0, false)
		if err != nil {
			return fail("alloc order %v size %d: %v", allocOrder, sizes[i], err)
		}
		buffers[i] = b
		if err := a.Verify(); err != nil {
			return fail("verify after alloc %d: %v", sizes[i], err)
		}
	}

	for _, i := range freeOrder {
		if buffers[i] == nil {
			continue
		}
		if err := a.Free(buffers[i].Offset); err != nil {
			return fail("free order %v size %d: %v", freeOrder, sizes[i], err)
		}
		buffers[i] = nil
		if err := a.Verify(); err != nil {
			return fail("verify after free %d: %v", sizes[i], err)
		}
	}

	st := a.Stats()
	if st.AllocatedBuffers != 0 {
		return fail("orders %v/%v left %d buffers allocated", allocOrder, freeOrder, st.AllocatedBuffers)
	}
	if st.FreeBuffers != 1 {
		return fail("orders %v/%v left %d free buffers, want one whole range", allocOrder, freeOrder, st.FreeBuffers)
	}

	// All pages must be reclaimable once nothing is allocated; reclaiming
	// them proves none is still pinned under a buffer.
	if freed := a.Shrink(st.CommittedPages); st.CommittedPages != freed {
		return fail("orders %v/%v: %d pages committed, %d reclaimed", allocOrder, freeOrder, st.CommittedPages, freed)
	}
	return true
}

// runChurn hammers one allocator from several goroutines, each doing
// random allocate/free cycles against its own live set.
func runChurn(cfg Config, res *Result) error {
	a := alloc.New(logging.NewNop(), cfg.PageSize)
	if err := a.Reserve(cfg.Pages * cfg.PageSize); err != nil {
		return fmt.Errorf("selftest: reserve: %w", err)
	}
	defer a.Teardown()

	var mu sync.Mutex
	addFailure := func(msg string) {
		mu.Lock()
		if len(res.Failures) < cfg.MaxFailures {
			res.Failures = append(res.Failures, msg)
		}
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < cfg.Workers; w++ {
		rng := rand.New(rand.NewSource(cfg.Seed + int64(w)))
		g.Go(func() error {
			var live []*alloc.Buffer
			defer func() {
				for _, b := range live {
					a.Free(b.Offset)
				}
			}()
			for op := 0; op < cfg.Ops; op++ {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				mu.Lock()
				res.ChurnOps++
				mu.Unlock()

				if len(live) > 0 && rng.Intn(2) == 0 {
					i := rng.Intn(len(live))
					if err := a.Free(live[i].Offset); err != nil {
						addFailure(fmt.Sprintf("churn free: %v", err))
					}
					live = append(live[:i], live[i+1:]...)
					continue
				}
				size := 8 + rng.Intn(2*cfg.PageSize)
				b, err := a.Allocate(size, 0, 0, false)
				if err != nil {
					// Out of space is expected under churn; shed load.
					for _, old := range live {
						a.Free(old.Offset)
					}
					live = live[:0]
					continue
				}
				live = append(live, b)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := a.Verify(); err != nil {
		addFailure(fmt.Sprintf("verify after churn: %v", err))
	}
	if st := a.Stats(); st.AllocatedBuffers != 0 {
		addFailure(fmt.Sprintf("churn left %d buffers allocated", st.AllocatedBuffers))
	}
	return nil
}

// permutations returns every ordering of [0, n).
func permutations(n int) [][]int {
	base := make([]int, n)
	for i := range base {
		base[i] = i
	}
	var out [][]int
	var walk func(cur []int, rest []int)
	walk = func(cur []int, rest []int) {
		if len(rest) == 0 {
			out = append(out, append([]int(nil), cur...))
			return
		}
		for i := range rest {
			next := append(cur, rest[i])
			remaining := make([]int, 0, len(rest)-1)
			remaining = append(remaining, rest[:i]...)
			remaining = append(remaining, rest[i+1:]...)
			walk(next, remaining)
		}
	}
	walk(nil, base)
	return out
}
