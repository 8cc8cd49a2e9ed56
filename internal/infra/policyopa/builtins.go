package policyopa

import "github.com/open-policy-agent/opa/ast"

// allowedBuiltins keeps submission policies pure: string and collection
// helpers only. Anything that reads the clock, the network or randomness
// would make a decision impossible to replay from the audit trail.
var allowedBuiltins = map[string]struct{}{
	"eq":                {},
	"equal":             {},
	"neq":               {},
	"lt":                {},
	"lte":               {},
	"gt":                {},
	"gte":               {},
	"count":             {},
	"sort":              {},
	"array.concat":      {},
	"object.get":        {},
	"internal.member_2": {},
	"concat":            {},
	"contains":          {},
	"startswith":        {},
	"endswith":          {},
	"lower":             {},
	"upper":             {},
	"split":             {},
	"trim_space":        {},
	"sprintf":           {},
}

func filterBuiltins(builtins []*ast.Builtin) []*ast.Builtin {
	allowed := make([]*ast.Builtin, 0, len(allowedBuiltins))
	for _, builtin := range builtins {
		if _, ok := allowedBuiltins[builtin.Name]; ok {
			allowed = append(allowed, builtin)
		}
	}
	return allowed
}
