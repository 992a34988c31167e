package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"

	"github.com/opensource-finance/amrclass/internal/domain"
)

// parserEnv only parses; exception expressions are never evaluated as code.
var parserEnv = mustParserEnv()

func mustParserEnv() *cel.Env {
	env, err := cel.NewEnv()
	if err != nil {
		panic(fmt.Sprintf("failed to create CEL parser environment: %v", err))
	}
	return env
}

var errUnsupported = errors.New("unsupported expression")

// CompileCondition lowers an exception expression into typed conditions.
//
// The accepted grammar is a conjunction (&&) of:
//
//	features.<key> == <bool|string|number>   (also organism.features.<key>, features["key"])
//	method == "MIC" | "DISC"
//	<mic|mic_mg_L|disc|disc_zone_mm> <op> <number>   with op one of < <= > >= ==
func CompileCondition(when string) ([]domain.Condition, error) {
	parsed, iss := parserEnv.Parse(when)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", when, iss.Err())
	}

	var conds []domain.Condition
	if err := lower(parsed.NativeRep().Expr(), &conds); err != nil {
		return nil, fmt.Errorf("%w in %q: %v", errUnsupported, when, err)
	}
	return conds, nil
}

func lower(e ast.Expr, out *[]domain.Condition) error {
	if e.Kind() != ast.CallKind {
		return fmt.Errorf("expected a comparison")
	}
	call := e.AsCall()
	fn := call.FunctionName()
	args := call.Args()

	if fn == operators.LogicalAnd {
		for _, arg := range args {
			if err := lower(arg, out); err != nil {
				return err
			}
		}
		return nil
	}

	if len(args) != 2 {
		return fmt.Errorf("operator %s is not supported", fn)
	}

	lhs, rhs, op := args[0], args[1], fn
	if lhs.Kind() == ast.LiteralKind {
		lhs, rhs = rhs, lhs
		op = flip(op)
	}

	name, ok := reference(lhs)
	if !ok {
		return fmt.Errorf("left side must name features, method or a measurement")
	}
	if rhs.Kind() != ast.LiteralKind {
		return fmt.Errorf("right side of %s must be a literal", name)
	}
	lit := rhs.AsLiteral().Value()

	switch {
	case strings.HasPrefix(name, "features."):
		if op != operators.Equals {
			return fmt.Errorf("features only support ==")
		}
		value, err := featureValue(lit)
		if err != nil {
			return err
		}
		*out = append(*out, domain.FeatureIs(strings.ToLower(strings.TrimPrefix(name, "features.")), value))
		return nil

	case name == "method":
		s, ok := lit.(string)
		if !ok || op != operators.Equals {
			return fmt.Errorf("method must be compared with == to a string")
		}
		m, valid := domain.ParseMethod(s)
		if !valid {
			return fmt.Errorf("unknown method %q", s)
		}
		*out = append(*out, domain.MethodIs(m))
		return nil

	default:
		field, ok := measurementField(name)
		if !ok {
			return fmt.Errorf("unknown identifier %q", name)
		}
		v, ok := number(lit)
		if !ok {
			return fmt.Errorf("%s must be compared to a number", name)
		}
		c := domain.Condition{Kind: domain.CondValueRange, Field: field}
		switch op {
		case operators.Less:
			c.Max, c.MaxExclusive = &v, true
		case operators.LessEquals:
			c.Max = &v
		case operators.Greater:
			c.Min, c.MinExclusive = &v, true
		case operators.GreaterEquals:
			c.Min = &v
		case operators.Equals:
			c.Min, c.Max = &v, &v
		default:
			return fmt.Errorf("operator %s is not supported for %s", op, name)
		}
		*out = append(*out, c)
		return nil
	}
}

// reference renders identifiers, selections and constant-key indexing as a
// dotted name, dropping a leading organism. qualifier.
func reference(e ast.Expr) (string, bool) {
	var parts []string
	for {
		switch e.Kind() {
		case ast.IdentKind:
			parts = append([]string{e.AsIdent()}, parts...)
			name := strings.Join(parts, ".")
			return strings.TrimPrefix(name, "organism."), true
		case ast.SelectKind:
			sel := e.AsSelect()
			parts = append([]string{sel.FieldName()}, parts...)
			e = sel.Operand()
		case ast.CallKind:
			call := e.AsCall()
			if call.FunctionName() != operators.Index || len(call.Args()) != 2 {
				return "", false
			}
			if call.Args()[1].Kind() != ast.LiteralKind {
				return "", false
			}
			key, ok := call.Args()[1].AsLiteral().Value().(string)
			if !ok {
				return "", false
			}
			parts = append([]string{key}, parts...)
			e = call.Args()[0]
		default:
			return "", false
		}
	}
}

func flip(op string) string {
	switch op {
	case operators.Less:
		return operators.Greater
	case operators.LessEquals:
		return operators.GreaterEquals
	case operators.Greater:
		return operators.Less
	case operators.GreaterEquals:
		return operators.LessEquals
	default:
		return op
	}
}

func measurementField(name string) (string, bool) {
	switch name {
	case "mic", "mic_mg_L":
		return domain.FieldMIC, true
	case "disc", "disc_zone_mm":
		return domain.FieldDisc, true
	default:
		return "", false
	}
}

func featureValue(lit any) (any, error) {
	switch v := lit.(type) {
	case bool, string:
		return v, nil
	}
	if f, ok := number(lit); ok {
		return f, nil
	}
	return nil, fmt.Errorf("feature literal must be a bool, string or number")
}

func number(lit any) (float64, bool) {
	switch v := lit.(type) {
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
