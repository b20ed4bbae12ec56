package covariance

import (
	"math"

	"ivrobust/domain/inference"
)

// KernelWeight evaluates the named HAC kernel at x = lag/(bandwidth+1).
// Unknown kernel names fall back to Bartlett; the spec is validated before
// estimation so that path is unreachable in normal use.
func KernelWeight(kernel inference.HACKernel, x float64) float64 {
	switch kernel {
	case inference.KernelParzen:
		return parzen(x)
	case inference.KernelQS:
		return quadraticSpectral(x)
	default:
		return bartlett(x)
	}
}

func bartlett(x float64) float64 {
	if x >= 1 {
		return 0
	}
	return 1 - x
}

func parzen(x float64) float64 {
	switch {
	case x <= 0.5:
		return 1 - 6*x*x + 6*x*x*x
	case x <= 1:
		d := 1 - x
		return 2 * d * d * d
	default:
		return 0
	}
}

func quadraticSpectral(x float64) float64 {
	if x == 0 {
		return 1
	}
	z := 6 * math.Pi * x / 5
	return 25 / (12 * math.Pi * math.Pi * x * x) * (math.Sin(z)/z - math.Cos(z))
}

// AutoLags is the Newey-West plug-in bandwidth rule, floor(4*(n/100)^(2/9)).
func AutoLags(n int) int {
	return int(math.Floor(4 * math.Pow(float64(n)/100, 2.0/9.0)))
}
