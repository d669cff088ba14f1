package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ParallelSafeNames is the declared parallel-safe set, §4.4 "a fixed set
// of read-only tool names is declared safe for concurrent execution ...
// The set is a data property, not a code property." Kept as a package
// variable (not derived from PermissionLevel) so operators can extend it
// without touching tool code, matching goclaw's toolGroups convention of
// naming sets as data.
var ParallelSafeNames = map[string]bool{
	"session_status":   true,
	"sessions_list":    true,
	"sessions_history": true,
	"knowledge_search": true,
	"memory_search":    true,
	"list_files":       true,
	"read_file":        true,
}

// IsParallelSafe reports whether a tool call may run concurrently with
// other calls in its batch, §4.4. A Tool implementing ParallelSafe
// overrides the data-driven default.
func IsParallelSafe(t Tool) bool {
	if ps, ok := t.(ParallelSafe); ok {
		return ps.ParallelSafe()
	}
	return ParallelSafeNames[t.Name()]
}

// Executor runs the §4.3 six-step invocation pipeline.
type Executor struct {
	registry *Registry
	policy   *PolicyEngine

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema // compiled input_schema, cached by tool name
}

func NewExecutor(registry *Registry, policy *PolicyEngine) *Executor {
	return &Executor{
		registry: registry,
		policy:   policy,
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Run executes one tool call end-to-end, §4.3 steps 1-6. approve may be
// nil (required approvals are then denied); it is the Gateway's per-call
// override routing approval to the session's requesting client, §4.3
// "An optional per-call approval callback override".
func (e *Executor) Run(ctx context.Context, call Call, approve ApprovalFunc) Outcome {
	out := Outcome{ToolName: call.Name, CallID: call.ID}

	params, err := call.DecodedArgs()
	if err != nil {
		out.Error = fmt.Sprintf("invalid parameters: %v", err)
		return out
	}

	if e.policy.IsDisabled(call.Name) {
		out.Denied = "tool is disabled"
		return out
	}

	t, ok := e.registry.Get(call.Name)
	if !ok {
		out.Error = "unknown tool"
		return out
	}

	if errs := e.validate(t, params); len(errs) > 0 {
		out.Error = fmt.Sprintf("invalid parameters: %s", strings.Join(errs, "; "))
		return out
	}

	decision := e.policy.Decide(t, params)
	allowed, err := e.policy.Resolve(ctx, decision, approve, call.Name, params)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	if !allowed {
		out.Denied = "denied by policy"
		return out
	}

	result, err := t.Execute(ctx, params)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	if result == nil {
		out.Error = "No result returned"
		return out
	}
	out.Result = result
	return out
}

// validate runs schema validation (santhosh-tekuri/jsonschema/v6 against
// the tool's invopop/jsonschema-declared input_schema) followed by the
// tool's own ValidateInput, §4.3 step 4.
func (e *Executor) validate(t Tool, params map[string]interface{}) []string {
	var errs []string

	schema, err := e.compiledSchema(t)
	if err != nil {
		errs = append(errs, fmt.Sprintf("schema compile: %v", err))
	} else if schema != nil {
		if err := schema.Validate(params); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if err := t.ValidateInput(params); err != nil {
		errs = append(errs, err.Error())
	}
	return errs
}

func (e *Executor) compiledSchema(t Tool) (*jsonschema.Schema, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.schemas[t.Name()]; ok {
		return s, nil
	}
	raw := t.InputSchema()
	if len(raw) == 0 {
		e.schemas[t.Name()] = nil
		return nil, nil
	}

	c := jsonschema.NewCompiler()
	resourceName := t.Name() + ".schema.json"
	if err := c.AddResource(resourceName, raw); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	e.schemas[t.Name()] = schema
	return schema, nil
}

// Batch groups consecutive tool calls per §4.4's batching rule: consecutive
// parallel-safe calls form one concurrent batch; any other call is a
// singleton (sequential barrier).
func (e *Executor) Batch(calls []Call) [][]Call {
	var batches [][]Call
	var current []Call

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
		}
	}

	for _, call := range calls {
		t, ok := e.registry.Get(call.Name)
		safe := ok && IsParallelSafe(t)
		if !safe {
			flush()
			batches = append(batches, []Call{call})
			continue
		}
		current = append(current, call)
	}
	flush()
	return batches
}

// RunBatch executes one batch: concurrently if len > 1, sequentially
// otherwise. Results follow call order within the batch, §4.4.
func (e *Executor) RunBatch(ctx context.Context, batch []Call, approve ApprovalFunc) []Outcome {
	out := make([]Outcome, len(batch))
	if len(batch) == 1 {
		out[0] = e.Run(ctx, batch[0], approve)
		return out
	}

	var wg sync.WaitGroup
	for i, call := range batch {
		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			out[i] = e.Run(ctx, call, approve)
		}(i, call)
	}
	wg.Wait()
	return out
}
