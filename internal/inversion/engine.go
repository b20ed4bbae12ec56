// Package inversion discovers the full set of parameter values a test does
// not reject: a grid scan with adaptive domain expansion followed by
// bracketed root-finding on the accepted-run boundaries. The search is an
// explicit state machine so its termination and unbounded-marking behavior
// are testable in isolation from statistical content.
package inversion

import (
	"context"
	"math"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"ivrobust/domain/core"
	"ivrobust/domain/inference"
	"ivrobust/domain/intervals"
	"ivrobust/ports"
)

// State names the phases of the confidence-set search.
type State string

const (
	StateInit           State = "INIT"
	StateGridScan       State = "GRID_SCAN"
	StateBoundaryRefine State = "BOUNDARY_REFINE"
	StateExpand         State = "EXPAND"
	StateDone           State = "DONE"
	StateDoneUnbounded  State = "DONE_UNBOUNDED"
)

// GridSpec describes the initial finite search domain.
type GridSpec struct {
	Lo      float64
	Hi      float64
	Points  int // grid points across the initial domain; default 401
	Workers int // concurrent evaluations; default GOMAXPROCS
}

// Options tune expansion and boundary refinement.
type Options struct {
	MaxExpansions int     // per side; default 4
	RefineTol     float64 // absolute endpoint tolerance; default 1e-6
	MaxRefineIter int     // bisection iteration budget; default 80
	KeepGrid      bool    // retain the evaluated (beta, p-value) trace
}

// DefaultOptions returns the standard search configuration.
func DefaultOptions() Options {
	return Options{MaxExpansions: 4, RefineTol: 1e-6, MaxRefineIter: 80, KeepGrid: true}
}

type gridPoint struct {
	beta     float64
	result   inference.TestResult
	accepted bool
	singular bool
}

// Invert runs the full search for {beta : p-value(beta) >= alpha}. A grid
// point exactly at the threshold is accepted (closed acceptance region),
// and a point whose p-value is undefined because of a covariance
// singularity is conservatively accepted with a per-point warning.
func Invert(ctx context.Context, eval ports.StatisticEvaluator, alpha float64, grid GridSpec, opts Options) (inference.ConfidenceSet, error) {
	// INIT: validate configuration and establish the finite domain.
	if !(alpha > 0 && alpha < 1) {
		return inference.ConfidenceSet{}, core.ErrBadAlpha
	}
	if math.IsInf(grid.Lo, 0) || math.IsInf(grid.Hi, 0) ||
		math.IsNaN(grid.Lo) || math.IsNaN(grid.Hi) || grid.Lo >= grid.Hi {
		return inference.ConfidenceSet{}, core.ErrBadSearchDomain
	}
	if grid.Points == 0 {
		grid.Points = 401
	}
	if grid.Points < 3 {
		return inference.ConfidenceSet{}, core.ErrGridTooSmall
	}
	if grid.Workers <= 0 {
		grid.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.RefineTol <= 0 {
		opts.RefineTol = 1e-6
	}
	if opts.MaxRefineIter <= 0 {
		opts.MaxRefineIter = 80
	}

	rec := core.NewWarningRecord()
	step := (grid.Hi - grid.Lo) / float64(grid.Points-1)

	// GRID_SCAN over the initial domain.
	points, err := scan(ctx, eval, alpha, gridBetas(grid.Lo, step, grid.Points), grid.Workers)
	if err != nil {
		return inference.ConfidenceSet{}, err
	}

	// EXPAND: while an accepted run touches a domain edge, double the
	// domain on that side and scan only the new region, up to the limit.
	expansions := 0
	expandLeft, expandRight := 0, 0
	unboundedLeft, unboundedRight := false, false
	for {
		touchLeft := points[0].accepted
		touchRight := points[len(points)-1].accepted
		if touchLeft && expandLeft < opts.MaxExpansions {
			width := points[len(points)-1].beta - points[0].beta
			count := int(math.Ceil(width / step))
			newLo := points[0].beta - float64(count)*step
			added, err := scan(ctx, eval, alpha, gridBetas(newLo, step, count), grid.Workers)
			if err != nil {
				return inference.ConfidenceSet{}, err
			}
			points = append(added, points...)
			expandLeft++
			expansions++
			continue
		}
		if touchRight && expandRight < opts.MaxExpansions {
			width := points[len(points)-1].beta - points[0].beta
			count := int(math.Ceil(width / step))
			first := points[len(points)-1].beta + step
			added, err := scan(ctx, eval, alpha, gridBetas(first, step, count), grid.Workers)
			if err != nil {
				return inference.ConfidenceSet{}, err
			}
			points = append(points, added...)
			expandRight++
			expansions++
			continue
		}
		unboundedLeft = touchLeft
		unboundedRight = touchRight
		break
	}

	// The engine echoes the covariance specification it actually used, so
	// every point carries the same one.
	covSpec := points[0].result.CovSpec

	singular := 0
	for _, p := range points {
		if p.singular {
			singular++
		}
	}
	if singular > 0 {
		rec.Addf(core.WarnNumerical, "%d grid points had an undefined statistic and were conservatively accepted", singular)
	}

	// Identify maximal runs of consecutive accepted points.
	type segment struct{ start, end int }
	var segments []segment
	for i := 0; i < len(points); {
		if !points[i].accepted {
			i++
			continue
		}
		start := i
		for i+1 < len(points) && points[i+1].accepted {
			i++
		}
		segments = append(segments, segment{start: start, end: i})
		i++
	}

	// BOUNDARY_REFINE: bracketed bisection on (p-value - alpha) for each
	// boundary adjacent to a rejected point.
	var approx []inference.ApproxEndpoint
	var ivs []intervals.Interval
	for _, seg := range segments {
		lo := points[seg.start].beta
		hi := points[seg.end].beta
		if seg.start == 0 {
			if unboundedLeft {
				lo = math.Inf(-1)
			}
		} else {
			refined, achieved := bisect(eval, alpha, points[seg.start-1].beta, lo, opts)
			if achieved > opts.RefineTol {
				approx = append(approx, inference.ApproxEndpoint{Value: refined, AchievedTol: achieved})
				rec.Addf(core.WarnSearch, "boundary near %.6g refined to tolerance %.3g only", refined, achieved)
			}
			lo = refined
		}
		if seg.end == len(points)-1 {
			if unboundedRight {
				hi = math.Inf(1)
			}
		} else {
			refined, achieved := bisect(eval, alpha, hi, points[seg.end+1].beta, opts)
			if achieved > opts.RefineTol {
				approx = append(approx, inference.ApproxEndpoint{Value: refined, AchievedTol: achieved})
				rec.Addf(core.WarnSearch, "boundary near %.6g refined to tolerance %.3g only", refined, achieved)
			}
			hi = refined
		}
		ivs = append(ivs, intervals.Interval{Lower: lo, Upper: hi})
	}

	set := intervals.NewSet(ivs...)
	if set.IsEmpty() {
		rec.Add(core.WarnSearch, "confidence set is empty on the evaluated grid")
	}

	state := StateDone
	if unboundedLeft || unboundedRight {
		state = StateDoneUnbounded
	}

	var trace []inference.GridPoint
	if opts.KeepGrid {
		trace = make([]inference.GridPoint, len(points))
		for i, p := range points {
			trace[i] = inference.GridPoint{
				Beta:      p.beta,
				Statistic: p.result.Statistic,
				PValue:    p.result.PValue,
				Accepted:  p.accepted,
				Singular:  p.singular,
			}
		}
	}

	critical := 0.0
	if cv, ok := eval.(interface{ CriticalValue(alpha float64) float64 }); ok {
		critical = cv.CriticalValue(alpha)
	}

	return inference.ConfidenceSet{
		Method:          eval.Method(),
		Alpha:           alpha,
		Set:             set,
		CriticalValue:   critical,
		Grid:            trace,
		Expansions:      expansions,
		FinalState:      string(state),
		ApproxEndpoints: approx,
		CovSpec:         covSpec,
		Warnings:        rec.Warnings(),
		Repro:           inference.NewRepro("invert_"+string(eval.Method()), 0),
	}, nil
}

func gridBetas(lo, step float64, count int) []float64 {
	betas := make([]float64, count)
	for i := range betas {
		betas[i] = lo + float64(i)*step
	}
	return betas
}

// scan evaluates the statistic at each candidate concurrently, bounded by
// a weighted semaphore, and collects results back into grid order so run
// detection sees adjacency in parameter order, not completion order.
func scan(ctx context.Context, eval ports.StatisticEvaluator, alpha float64, betas []float64, workers int) ([]gridPoint, error) {
	points := make([]gridPoint, len(betas))
	sem := semaphore.NewWeighted(int64(workers))
	var wg sync.WaitGroup
	for i := range betas {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(i int) {
			defer sem.Release(1)
			defer wg.Done()
			res := eval.Evaluate(betas[i])
			singular := math.IsNaN(res.PValue)
			points[i] = gridPoint{
				beta:     betas[i],
				result:   res,
				accepted: singular || res.PValue >= alpha,
				singular: singular,
			}
		}(i)
	}
	wg.Wait()
	return points, nil
}

// bisect locates the alpha-crossing of the p-value between a rejected and
// an accepted candidate. It returns the endpoint and the achieved
// tolerance; when the bracket is invalid the midpoint is a conservative
// fallback.
func bisect(eval ports.StatisticEvaluator, alpha, a, b float64, opts Options) (float64, float64) {
	pv := func(x float64) float64 {
		p := eval.Evaluate(x).PValue
		if math.IsNaN(p) {
			return alpha // undefined points count as accepted
		}
		return p
	}
	fa := pv(a) - alpha
	fb := pv(b) - alpha
	if fa == 0 {
		return a, 0
	}
	if fb == 0 {
		return b, 0
	}
	if fa*fb > 0 {
		return 0.5 * (a + b), math.Abs(b-a) / 2
	}
	left, right := a, b
	for i := 0; i < opts.MaxRefineIter; i++ {
		mid := 0.5 * (left + right)
		fm := pv(mid) - alpha
		if math.Abs(right-left) <= opts.RefineTol {
			return mid, math.Abs(right-left) / 2
		}
		if fa*fm <= 0 {
			right = mid
		} else {
			left = mid
			fa = fm
		}
	}
	return 0.5 * (left + right), math.Abs(right-left) / 2
}
