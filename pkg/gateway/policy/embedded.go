//
//  Copyright © Maatini. All rights reserved.
//

package policy

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/pkg/errors"

	"github.com/maatini/authgate/pkg/gateway/model"
)

// snapshot is one compiled policy program. Snapshots are immutable; the
// loader publishes a new one on reload and readers dereference exactly
// once per evaluation.
type snapshot struct {
	compiler *ast.Compiler
	revision string
}

// Embedded evaluates the policy query in-process against the currently
// published snapshot. Evaluation is synchronous and network-free on the
// request hot path.
type Embedded struct {
	query   string
	current atomic.Pointer[snapshot]
}

// NewEmbedded creates an embedded evaluator for the query
// "data.<pkg>.<rule>". No snapshot is loaded yet; until one is published
// every evaluation denies with ReasonNotInitialized.
func NewEmbedded(pkg, rule string) *Embedded {
	return &Embedded{query: fmt.Sprintf("data.%s.%s", pkg, rule)}
}

// Compile parses and compiles the given module sources (name → Rego
// source) and atomically publishes the result. On error the previous
// snapshot stays active.
func (e *Embedded) Compile(modules map[string]string, revision string) error {
	parsed := make(map[string]*ast.Module, len(modules))
	for name, src := range modules {
		pm, err := ast.ParseModuleWithOpts(name, src, ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return errors.Wrapf(err, "parsing %s", name)
		}
		parsed[name] = pm
	}

	compiler := ast.NewCompiler()
	compiler.Compile(parsed)
	if compiler.Failed() {
		return compiler.Errors
	}

	e.current.Store(&snapshot{compiler: compiler, revision: revision})
	logger.Infof("published policy snapshot %s (%d modules)", revision, len(modules))
	return nil
}

// Ready reports whether a snapshot has been published.
func (e *Embedded) Ready() bool {
	return e.current.Load() != nil
}

// Revision returns the revision of the active snapshot, or empty.
func (e *Embedded) Revision() string {
	if s := e.current.Load(); s != nil {
		return s.revision
	}
	return ""
}

// Evaluate runs the policy query against the active snapshot. In-flight
// evaluations complete against whichever snapshot they captured.
func (e *Embedded) Evaluate(ctx context.Context, input model.PolicyInput) (model.PolicyDecision, error) {
	s := e.current.Load()
	if s == nil {
		return model.Deny(ReasonNotInitialized), nil
	}

	query := rego.New(
		rego.Query(e.query),
		rego.Compiler(s.compiler),
		rego.Input(input),
	)

	results, err := query.Eval(ctx)
	if err != nil {
		return model.PolicyDecision{}, errors.Wrap(err, "policy evaluation")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// undefined result: the queried rule does not exist or produced
		// no value
		return model.Deny(ReasonUnexpectedResult), nil
	}

	return parseResult(results[0].Expressions[0].Value), nil
}
