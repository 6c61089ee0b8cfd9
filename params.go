package streamql

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/streamql/streamql/driver"
	"github.com/streamql/streamql/errs"
)

// bindParams validates params and attaches them to req. Hints maps a
// parameter name to an explicit type name, resolved case-insensitively
// against the driver's type table; parameters without a hint are bound with
// a driver-inferred type. Mutates req only.
func bindParams(req driver.Request, params map[string]any, hints map[string]string, types driver.TypeTable) error {
	for name, value := range params {
		if isSequence(value) {
			// A sequence would serialize to a delimited string, which is
			// never what the caller meant. Reject instead of mis-binding.
			return errs.New(errs.ErrKindInvalidParameterType,
				fmt.Sprintf("parameter %q: array and slice values are not supported", name))
		}

		p := driver.Param{Name: name, Value: value}
		if hint, ok := hints[name]; ok {
			t, ok := types[strings.ToLower(hint)]
			if !ok {
				return errs.New(errs.ErrKindUnknownType,
					fmt.Sprintf("parameter %q: type %q is not in the driver type table", name, hint))
			}
			p.Type = &t
		}
		req.Bind(p)
	}
	return nil
}

// isSequence reports whether v is a slice or array value. Byte slices are
// exempt: they bind as a single binary scalar.
func isSequence(v any) bool {
	if v == nil {
		return false
	}
	if _, ok := v.([]byte); ok {
		return false
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array:
		return true
	default:
		return false
	}
}
