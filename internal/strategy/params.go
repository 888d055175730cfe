package strategy

import "fmt"

// Param is one tunable strategy parameter. Min/Max/Step bound the search
// space when the parameter is optimizable.
type Param struct {
	Value       float64 `json:"value"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Step        float64 `json:"step"`
	Optimizable bool    `json:"optimizable"`
}

// Params is a strategy's parameter table keyed by name.
type Params map[string]Param

// Value returns the parameter value or def when absent.
func (p Params) Value(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v.Value
	}
	return def
}

// IntValue returns the parameter value truncated to int, or def when absent.
func (p Params) IntValue(name string, def int) int {
	if v, ok := p[name]; ok {
		return int(v.Value)
	}
	return def
}

// merge overlays override values onto a canonical table. Bounds and
// optimizability always come from the canonical table; overrides only move
// the value. Unknown override keys are an error so typos surface at
// construction instead of silently running defaults.
func merge(canonical, overrides Params) (Params, error) {
	out := make(Params, len(canonical))
	for k, v := range canonical {
		out[k] = v
	}
	for k, o := range overrides {
		c, ok := out[k]
		if !ok {
			return nil, fmt.Errorf("unknown parameter %q", k)
		}
		c.Value = o.Value
		out[k] = c
	}
	return out, nil
}
