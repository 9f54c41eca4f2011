package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// loadHCL applies top-level HCL2 attributes of path to p. Attribute values
// may be expressions, e.g. `search_angle = 0.2 * 3.14159`.
func loadHCL(path string, p *Params) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	file, diags := hclsyntax.ParseConfig(src, path, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return fmt.Errorf("parse %s: %s", path, diags.Error())
	}
	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("parse %s: %s", path, diags.Error())
	}

	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return fmt.Errorf("%s: %s", name, diags.Error())
		}
		if val.IsNull() || !val.IsKnown() {
			return fmt.Errorf("%s: value must be known", name)
		}
		if name == optimisationKey {
			if !val.Type().Equals(cty.Bool) {
				return fmt.Errorf("%s: expected bool", name)
			}
			p.Optimisation = val.True()
			continue
		}
		if !val.Type().Equals(cty.Number) {
			return fmt.Errorf("%s: expected number", name)
		}
		f, _ := val.AsBigFloat().Float64()
		if err := p.Set(name, f); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}
