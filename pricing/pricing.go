// Package pricing computes request cost from token usage and a per-model
// price table. It is a pure, immutable lookup: construction takes a
// snapshot of a config.Models mapping and every subsequent call is a
// read-only computation.
package pricing

import "github.com/flowmesh/orchestrator/config"

// Table is an immutable price lookup derived from a models configuration.
// The zero value is usable and prices every model at zero.
type Table struct {
	models config.Models
}

// NewTable builds a Table from a models configuration. The table keeps its
// own copy of the pricing fields; later mutation of models does not affect
// an already-constructed Table.
func NewTable(models config.Models) Table {
	cp := make(config.Models, len(models))
	for k, v := range models {
		cp[k] = v
	}
	return Table{models: cp}
}

// Cost computes the price of a request given its token breakdown, per
// spec: cost = (max(0, input-cached)/1000)*p_input + (cached/1000)*p_cache +
// (output/1000)*p_output. Unknown models price at zero.
func (t Table) Cost(model string, inputTokens, outputTokens, cachedTokens int) float64 {
	p, ok := t.models[model]
	if !ok {
		return 0
	}
	billableInput := inputTokens - cachedTokens
	if billableInput < 0 {
		billableInput = 0
	}
	return float64(billableInput)/1000*p.Input +
		float64(cachedTokens)/1000*p.Cache +
		float64(outputTokens)/1000*p.Output
}

// Known reports whether model has a pricing entry.
func (t Table) Known(model string) bool {
	_, ok := t.models[model]
	return ok
}
