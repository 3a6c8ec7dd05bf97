// Package policy decides with an OPA policy whether a live import may
// create a run.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/ts-factory/bublik-sub000/internal/livelog"
)

// Decision values returned by the policy.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Engine is the OPA import policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
	data  map[string]any
}

// NewEngine prepares the policy. allowedProjects is exposed to the policy
// as input.allowed_projects; an empty list allows every project.
func NewEngine(ctx context.Context, policyContent string, allowedProjects []string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.import_policy.decision"),
		rego.Module("import_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	allowed := make([]any, 0, len(allowedProjects))
	for _, p := range allowedProjects {
		allowed = append(allowed, p)
	}
	return &Engine{query: query, data: map[string]any{"allowed_projects": allowed}}, nil
}

// Evaluate returns the decision and its reason, if the policy gives one.
func (e *Engine) Evaluate(ctx context.Context, input map[string]any) (string, string, error) {
	merged := make(map[string]any, len(input)+len(e.data))
	for k, v := range input {
		merged[k] = v
	}
	for k, v := range e.data {
		merged[k] = v
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(merged))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, "default", nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		return v, "", nil
	case map[string]any:
		decision, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		if decision == "" {
			return "", "", fmt.Errorf("policy returned an object without decision")
		}
		return decision, reason, nil
	}
	return "", "", fmt.Errorf("unexpected policy result %T", results[0].Expressions[0].Value)
}

// Admit implements livelog.Admitter.
func (e *Engine) Admit(ctx context.Context, req livelog.AdmissionRequest) error {
	metas := make([]any, 0, len(req.Metas))
	for _, m := range req.Metas {
		metas = append(metas, map[string]any{"name": m.Name, "type": string(m.Type), "value": m.Value})
	}
	tags := make(map[string]any, len(req.Tags))
	for _, t := range req.Tags {
		tags[t.Name] = t.Value
	}

	decision, reason, err := e.Evaluate(ctx, map[string]any{
		"project": req.Project,
		"metas":   metas,
		"tags":    tags,
	})
	if err != nil {
		return err
	}
	if decision == DecisionAllow {
		return nil
	}
	if reason == "" {
		reason = "import rejected by policy"
	}
	return livelog.InvalidInput(reason, map[string]any{"project": req.Project})
}

// DefaultPolicy admits projects listed in allowed_projects, or every
// project when the list is empty.
const DefaultPolicy = `
package import_policy

default decision = "allow"

decision = {"decision": "deny", "reason": sprintf("project %s is not allowed", [input.project])} {
	count(input.allowed_projects) > 0
	not project_allowed
}

project_allowed {
	input.allowed_projects[_] == input.project
}
`
