package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/maferick/corpaudit/internal/domain"
)

type invocation struct {
	result  domain.Result
	status  domain.RunStatus
	message string
	trace   string
}

// invoke calls h and normalizes whatever it produced. Errors and panics become a
// failed invocation carrying a trace.
func invoke(ctx context.Context, h domain.Handler, params map[string]any) (inv invocation) {
	defer func() {
		if p := recover(); p != nil {
			inv = invocation{
				result:  inv.result,
				status:  domain.RunStatusFailed,
				message: fmt.Sprintf("panic: %v", p),
				trace:   string(debug.Stack()),
			}
		}
	}()

	res, err := h(ctx, params)
	inv.result = res
	if err != nil {
		inv.status = domain.RunStatusFailed
		inv.message = err.Error()
		inv.trace = errorTrace(err)
		return inv
	}

	inv.message = res.Message
	inv.status = domain.RunStatusSuccess
	if res.Status == domain.RunStatusFailed {
		inv.status = domain.RunStatusFailed
	}
	return inv
}

// errorTrace renders the wrap chain of err, outermost first.
func errorTrace(err error) string {
	var b strings.Builder
	writeChain(&b, err, 0)
	return strings.TrimRight(b.String(), "\n")
}

func writeChain(b *strings.Builder, err error, depth int) {
	for err != nil {
		fmt.Fprintf(b, "%s%T: %s\n", strings.Repeat("  ", depth), err, err.Error())
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				writeChain(b, e, depth+1)
			}
			return
		}
		err = errors.Unwrap(err)
	}
}
