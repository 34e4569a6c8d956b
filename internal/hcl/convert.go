package hcl

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// decodeStages evaluates the stages attribute and converts it to a map of
// stage key to enabled flag. Both object and map syntax are accepted, and
// string values such as "false" convert as cty does.
func decodeStages(expr hcl.Expression) (map[string]bool, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid stages: %w", diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("invalid stages: value is not known")
	}

	converted, err := convert.Convert(val, cty.Map(cty.Bool))
	if err != nil {
		return nil, fmt.Errorf("invalid stages: %w", err)
	}
	var out map[string]bool
	if err := gocty.FromCtyValue(converted, &out); err != nil {
		return nil, fmt.Errorf("invalid stages: %w", err)
	}
	return out, nil
}
