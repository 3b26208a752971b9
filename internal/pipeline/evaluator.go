package pipeline

// Breach is one alarm-worthy threshold violation found in a reading.
type Breach struct {
	ParameterKey string
	Value        float64
	// Bound is the configured limit that was crossed.
	Bound float64
	// Kind is BreachBelowMin or BreachAboveMax.
	Kind string
}

// Evaluate compares a decoded parameter map against a device's thresholds
// and returns every breach found. The minimum and maximum checks are
// independent and strict: a value equal to the bound does not breach. Every
// breach on every reading is reported; suppression of repeated alarms is an
// operator concern, not the pipeline's.
//
// A threshold with min greater than max can fire both kinds for one value.
// That ordering is rejected at threshold creation (Threshold.Validate); the
// evaluator does not second-guess stored bounds.
func Evaluate(parameters ParameterMap, thresholds []Threshold) []Breach {
	var breaches []Breach
	for _, th := range thresholds {
		value, ok := parameters[th.ParameterKey]
		if !ok {
			continue
		}

		if th.Min != nil && value < *th.Min {
			breaches = append(breaches, Breach{
				ParameterKey: th.ParameterKey,
				Value:        value,
				Bound:        *th.Min,
				Kind:         BreachBelowMin,
			})
		}
		if th.Max != nil && value > *th.Max {
			breaches = append(breaches, Breach{
				ParameterKey: th.ParameterKey,
				Value:        value,
				Bound:        *th.Max,
				Kind:         BreachAboveMax,
			})
		}
	}
	return breaches
}
