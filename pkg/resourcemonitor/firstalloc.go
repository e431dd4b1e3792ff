package resourcemonitor

import (
	"math"
	"sort"
)

// Allocation is a proposed resource allocation for a task, derived
// from a distribution of observed peak usage.
type Allocation struct {
	Value          float64
	ExpectedWaste  float64
	ViolationRate  float64 // fraction of observed peaks that would have exceeded Value
}

// ClosedFormAllocation proposes an allocation assuming waste grows
// linearly with (allocation - actual) and task wall time is
// independent of the allocation itself ("time-independent" in the
// resource monitor's own terms): the optimum is the minimizer of
// E[(a - x)] over the observed peaks weighted only by count, which for
// a symmetric loss reduces to the sample mean plus one standard
// deviation of headroom.
func ClosedFormAllocation(peaks []float64) Allocation {
	if len(peaks) == 0 {
		return Allocation{}
	}
	mean := meanOf(peaks)
	variance := varianceOf(peaks, mean)
	value := mean + math.Sqrt(variance)

	return Allocation{
		Value:         value,
		ExpectedWaste: expectedWaste(peaks, value),
		ViolationRate: violationRate(peaks, value),
	}
}

// BruteForceAllocation searches the observed peaks themselves for the
// candidate minimizing expected waste,
// rather than assuming a closed-form distribution. This is the
// allocation strategy to prefer when task wall time correlates with
// the resource being allocated, since the closed-form derivation
// assumes independence.
func BruteForceAllocation(peaks []float64, wallTimes []float64) Allocation {
	if len(peaks) == 0 || len(peaks) != len(wallTimes) {
		return Allocation{}
	}

	candidates := append([]float64(nil), peaks...)
	sort.Float64s(candidates)

	best := Allocation{Value: candidates[len(candidates)-1], ExpectedWaste: -1}
	for _, candidate := range candidates {
		waste := expectedWasteWeighted(peaks, wallTimes, candidate)
		violations := violationRate(peaks, candidate)
		if best.ExpectedWaste < 0 || waste < best.ExpectedWaste {
			best = Allocation{Value: candidate, ExpectedWaste: waste, ViolationRate: violations}
		}
	}
	return best
}

func expectedWaste(peaks []float64, allocation float64) float64 {
	var total float64
	for _, p := range peaks {
		if d := allocation - p; d > 0 {
			total += d
		}
	}
	return total / float64(len(peaks))
}

func expectedWasteWeighted(peaks, wallTimes []float64, allocation float64) float64 {
	var total, totalTime float64
	for i, p := range peaks {
		if d := allocation - p; d > 0 {
			total += d * wallTimes[i]
		}
		totalTime += wallTimes[i]
	}
	if totalTime == 0 {
		return 0
	}
	return total / totalTime
}

func violationRate(peaks []float64, allocation float64) float64 {
	var violations int
	for _, p := range peaks {
		if p > allocation {
			violations++
		}
	}
	return float64(violations) / float64(len(peaks))
}

func meanOf(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func varianceOf(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - mean
		sum += d * d
	}
	return sum / float64(len(xs)-1)
}
