package filter

import (
	"fmt"
	"math"
	"sort"
)

// Window names accepted by Synthesize
const (
	WindowParzen     = "parzen"
	WindowNone       = "none"
	WindowSheppLogan = "shepp-logan"
	WindowCosine     = "cosine"
	WindowHamming    = "hamming"
	WindowHann       = "hann"
)

// DefaultWindow is the taper used when none is configured
const DefaultWindow = WindowParzen

// windows maps a name to its taper over normalized frequency t in [0, 1/2]
var windows = map[string]func(t float64) float64{
	WindowParzen: func(t float64) float64 {
		return 4 * math.Pow(1-2*t, 3)
	},
	WindowNone: func(float64) float64 {
		return 1
	},
	WindowSheppLogan: func(t float64) float64 {
		if t == 0 {
			return 1
		}
		return math.Sin(math.Pi*t) / (math.Pi * t)
	},
	WindowCosine: func(t float64) float64 {
		return math.Cos(math.Pi * t)
	},
	WindowHamming: func(t float64) float64 {
		return 0.54 + 0.46*math.Cos(2*math.Pi*t)
	},
	WindowHann: func(t float64) float64 {
		return 0.5 + 0.5*math.Cos(2*math.Pi*t)
	},
}

func lookupWindow(name string) (func(float64) float64, error) {
	f, ok := windows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownWindow, name, Windows())
	}
	return f, nil
}

// Windows returns the supported window names in sorted order
func Windows() []string {
	names := make([]string, 0, len(windows))
	for name := range windows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
