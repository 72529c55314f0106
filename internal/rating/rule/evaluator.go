// Package rule evaluates tariff activation rules. Rules are short
// expressions compiled to bytecode and run in a sandboxed VM against a
// fixed set of preset variables, with a hard time budget per evaluation.
package rule

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tariffdomain "github.com/cloudmeter/quota/internal/tariff/domain"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"
)

// Evaluator compiles and runs activation rules. Programs are cached per
// expression text; the cache is safe for concurrent account workers.
type Evaluator struct {
	timeout time.Duration

	mu       sync.Mutex
	programs map[string]*vm.Program
}

func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Evaluator{
		timeout:  timeout,
		programs: make(map[string]*vm.Program),
	}
}

// TariffValue resolves the value a tariff contributes under the given
// environment:
//
//   - no activation rule: the tariff's fixed currency value;
//   - rule result parseable as a number: that number, verbatim;
//   - rule result boolean true: the tariff's fixed currency value;
//   - boolean false or anything unparseable: zero.
//
// A compile failure, runtime error, or timeout is returned as an error and
// must abort the caller's pass.
func (e *Evaluator) TariffValue(ctx context.Context, tariff *tariffdomain.Tariff, env Environment) (decimal.Decimal, error) {
	if !tariff.HasActivationRule() {
		return tariff.CurrencyValue, nil
	}

	program, err := e.compile(tariff.ActivationRule)
	if err != nil {
		return decimal.Zero, fmt.Errorf("compile activation rule of tariff %s: %w", tariff.ID, err)
	}

	out, err := e.execute(ctx, program, env.toMap())
	if err != nil {
		return decimal.Zero, fmt.Errorf("run activation rule of tariff %s: %w", tariff.ID, err)
	}

	return interpretResult(out, tariff.CurrencyValue), nil
}

func (e *Evaluator) compile(rule string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if program, ok := e.programs[rule]; ok {
		return program, nil
	}
	program, err := expr.Compile(rule)
	if err != nil {
		return nil, err
	}
	e.programs[rule] = program
	return program, nil
}

func (e *Evaluator) execute(ctx context.Context, program *vm.Program, env map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("activation rule panic: %v", r)}
			}
		}()
		value, err := expr.Run(program, env)
		done <- outcome{value: value, err: err}
	}()

	select {
	case result := <-done:
		return result.value, result.err
	case <-ctx.Done():
		// The VM run is abandoned; the program cannot do I/O, so the
		// goroutine terminates on its own.
		return nil, fmt.Errorf("activation rule timed out after %s: %w", e.timeout, ctx.Err())
	}
}

// interpretResult applies the result-precedence contract. The raw result is
// stringified first so a rule returning "12.5" behaves like one returning
// 12.5.
func interpretResult(out any, fixedValue decimal.Decimal) decimal.Decimal {
	raw := strings.TrimSpace(fmt.Sprintf("%v", out))

	if value, err := decimal.NewFromString(raw); err == nil {
		return value
	}
	if isTrue, err := strconv.ParseBool(strings.ToLower(raw)); err == nil {
		if isTrue {
			return fixedValue
		}
		return decimal.Zero
	}
	return decimal.Zero
}
