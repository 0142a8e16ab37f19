package tabs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/camofox/camofox-go/internal/types"
)

// minEvalTimeout is the floor applied to client-supplied evaluate timeouts.
const minEvalTimeout = 100 * time.Millisecond

// truncatedPlaceholder replaces oversized evaluate payloads.
const truncatedPlaceholder = "[result truncated: serialized value exceeded 1MB]"

// Evaluate runs a JavaScript expression in the page and classifies the
// outcome. The engine call is raced against the clamped timeout; a timer win
// yields {ok:false, errorType:"timeout"} and the engine result is discarded.
// Both the standard and extended evaluate endpoints share this path, only the
// maximum timeout differs.
func (t *Tab) Evaluate(ctx context.Context, expression string, timeout, maxTimeout time.Duration) (*types.EvaluateResult, error) {
	if expression == "" {
		return nil, types.NewValidationError("expression is required")
	}
	if len(expression) > types.MaxExpressionBytes {
		return nil, types.NewValidationError("expression exceeds maximum size of 64KB")
	}

	if timeout <= 0 {
		timeout = maxTimeout
	}
	if timeout < minEvalTimeout {
		timeout = minEvalTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	evalCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type evalOutcome struct {
		res *proto.RuntimeEvaluateResult
		err error
	}
	resultCh := make(chan evalOutcome, 1)
	go func() {
		res, err := proto.RuntimeEvaluate{
			Expression:    expression,
			ReturnByValue: true,
			AwaitPromise:  true,
		}.Call(t.page.Context(evalCtx))
		resultCh <- evalOutcome{res, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var outcome evalOutcome
	select {
	case outcome = <-resultCh:
	case <-timer.C:
		cancel()
		log.Debug().
			Str("tab_id", t.ID).
			Dur("timeout", timeout).
			Msg("Evaluate timed out")
		return &types.EvaluateResult{
			OK:        false,
			ErrorType: "timeout",
			Error:     "evaluation timed out after " + timeout.String(),
		}, nil
	case <-ctx.Done():
		return &types.EvaluateResult{
			OK:        false,
			ErrorType: "timeout",
			Error:     "evaluation canceled",
		}, nil
	}

	if outcome.err != nil {
		return &types.EvaluateResult{
			OK:        false,
			ErrorType: "js_error",
			Error:     outcome.err.Error(),
		}, nil
	}
	if outcome.res.ExceptionDetails != nil {
		return &types.EvaluateResult{
			OK:        false,
			ErrorType: "js_error",
			Error:     exceptionText(outcome.res.ExceptionDetails),
		}, nil
	}

	return classifyEvalResult(outcome.res.Result), nil
}

// exceptionText extracts a readable message from engine exception details.
func exceptionText(d *proto.RuntimeExceptionDetails) string {
	if d.Exception != nil && d.Exception.Description != "" {
		return d.Exception.Description
	}
	return d.Text
}

// classifyEvalResult serializes the engine value and derives resultType.
// Values whose serialized form exceeds the cap are replaced by a placeholder
// with truncated set.
func classifyEvalResult(obj *proto.RuntimeRemoteObject) *types.EvaluateResult {
	if obj == nil || obj.Type == proto.RuntimeRemoteObjectTypeUndefined {
		return &types.EvaluateResult{OK: true, ResultType: "undefined"}
	}

	value := obj.Value.Val()

	serialized, err := json.Marshal(value)
	if err != nil {
		// Not JSON-serializable: fall back to the engine's type name.
		return &types.EvaluateResult{OK: true, ResultType: string(obj.Type)}
	}
	if len(serialized) > types.MaxEvalResultBytes {
		return &types.EvaluateResult{
			OK:         true,
			Value:      truncatedPlaceholder,
			ResultType: "string",
			Truncated:  true,
		}
	}

	return &types.EvaluateResult{
		OK:         true,
		Value:      value,
		ResultType: resultTypeOf(value),
	}
}

// resultTypeOf names the JSON shape of a deserialized evaluate value.
func resultTypeOf(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32, int, int64, json.Number:
		return "number"
	default:
		return "object"
	}
}
