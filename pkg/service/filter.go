package service

import (
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/jordigilh/durableflow/internal/apperrors"
	"github.com/jordigilh/durableflow/pkg/dflow"
)

// filterExecutions narrows execs to those for which expr evaluates truthy;
// as ListFilter's doc comment notes, jq-style expressions are evaluated
// by the caller, not the store. encoding/json
// is used here only to project an *Execution into the generic
// map[string]interface{} tree gojq operates on; this is an internal
// format-neutral conversion, not a wire response, so it is exempt from
// the jx convention the HTTP DTOs in dto.go follow.
func filterExecutions(execs []*dflow.Execution, expr string) ([]*dflow.Execution, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeValidation, "invalid filter expression").WithDetails(expr)
	}

	var out []*dflow.Execution
	for _, e := range execs {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeInternal, "project execution for filtering")
		}
		var input any
		if err := json.Unmarshal(raw, &input); err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeInternal, "project execution for filtering")
		}

		iter := query.Run(input)
		keep := false
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, ok := v.(error); ok {
				return nil, apperrors.Wrap(err, apperrors.TypeValidation, "filter expression failed").WithDetails(expr)
			}
			if truthy(v) {
				keep = true
			}
		}
		if keep {
			out = append(out, e)
		}
	}
	return out, nil
}

// truthy mirrors jq's own definition: everything except false and null is
// truthy.
func truthy(v any) bool {
	switch v {
	case nil, false:
		return false
	default:
		return true
	}
}
