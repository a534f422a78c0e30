package auth

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.uber.org/zap"

	"github.com/global-data-controller/wesflow/internal/logging"
	"github.com/global-data-controller/wesflow/internal/models"
)

//go:embed policies/execution.rego
var executionPolicy string

// Action names an operation guarded by the authorization policy
type Action string

const (
	ActionCreate   Action = "create"
	ActionRead     Action = "read"
	ActionPrepare  Action = "prepare"
	ActionSubmit   Action = "submit"
	ActionStatus   Action = "status"
	ActionCancel   Action = "cancel"
	ActionComplete Action = "complete"
	ActionCleanup  Action = "cleanup"
	ActionDestroy  Action = "destroy"
)

// AllActions lists every guarded action
var AllActions = []Action{
	ActionCreate, ActionRead, ActionPrepare, ActionSubmit, ActionStatus,
	ActionCancel, ActionComplete, ActionCleanup, ActionDestroy,
}

// Decision is the outcome of a policy evaluation
type Decision struct {
	Allowed bool   `json:"allow"`
	Reason  string `json:"reason"`
	Rule    string `json:"rule"`
}

// DeniedError is returned when the policy refuses an operation
type DeniedError struct {
	Principal   string
	Action      Action
	ExecutionID string
	Reason      string
	Rule        string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("principal %q may not %s execution %s: %s", e.Principal, e.Action, e.ExecutionID, e.Reason)
}

// Authorizer decides whether a principal may perform an action on an execution
type Authorizer interface {
	Authorize(ctx context.Context, principal models.Principal, action Action, exec *models.WorkflowExecution) (*Decision, error)
}

// Config holds authorization policy settings
type Config struct {
	AdminRoles        []string `mapstructure:"admin_roles"`
	AutomationRoles   []string `mapstructure:"automation_roles"`
	AutomationActions []string `mapstructure:"automation_actions"`
	// Policy overrides the embedded policy when set. It must define
	// data.wesflow.authz.decision.
	Policy string `mapstructure:"policy"`
}

// DefaultConfig grants admins everything and lets automation drive the lifecycle
func DefaultConfig() Config {
	return Config{
		AdminRoles:      []string{"admin"},
		AutomationRoles: []string{"service"},
		AutomationActions: []string{
			string(ActionRead), string(ActionPrepare), string(ActionSubmit), string(ActionStatus),
			string(ActionCancel), string(ActionComplete), string(ActionCleanup),
		},
	}
}

// OPAAuthorizer evaluates the execution policy with Open Policy Agent
type OPAAuthorizer struct {
	mu       sync.RWMutex
	prepared rego.PreparedEvalQuery
	logger   logging.Logger
}

// NewOPAAuthorizer compiles the policy with cfg exposed as data.wesflow
func NewOPAAuthorizer(ctx context.Context, cfg Config, logger logging.Logger) (*OPAAuthorizer, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	a := &OPAAuthorizer{logger: logger}
	if err := a.Reload(ctx, cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload recompiles the policy with new settings
func (a *OPAAuthorizer) Reload(ctx context.Context, cfg Config) error {
	policy := cfg.Policy
	if policy == "" {
		policy = executionPolicy
	}

	store := inmem.NewFromObject(map[string]interface{}{
		"wesflow": map[string]interface{}{
			"admin_roles":        toInterfaces(cfg.AdminRoles),
			"automation_roles":   toInterfaces(cfg.AutomationRoles),
			"automation_actions": toInterfaces(cfg.AutomationActions),
		},
	})

	r := rego.New(
		rego.Query("data.wesflow.authz.decision"),
		rego.Module("execution.rego", policy),
		rego.Store(store),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare authorization policy: %w", err)
	}

	a.mu.Lock()
	a.prepared = prepared
	a.mu.Unlock()

	a.logger.Info(ctx, "Authorization policy loaded",
		zap.Strings("admin_roles", cfg.AdminRoles),
		zap.Strings("automation_roles", cfg.AutomationRoles))
	return nil
}

// Authorize evaluates the policy. A policy that yields no decision denies.
func (a *OPAAuthorizer) Authorize(ctx context.Context, principal models.Principal, action Action, exec *models.WorkflowExecution) (*Decision, error) {
	a.mu.RLock()
	prepared := a.prepared
	a.mu.RUnlock()

	execution := map[string]interface{}{}
	execID := ""
	if exec != nil {
		execID = exec.ID
		execution = map[string]interface{}{
			"id":        exec.ID,
			"submitter": exec.Submitter,
			"state":     string(exec.State),
		}
	}

	input := map[string]interface{}{
		"principal": map[string]interface{}{
			"id":         principal.ID,
			"roles":      toInterfaces(principal.Roles),
			"automation": principal.Automation,
		},
		"action":    string(action),
		"execution": execution,
	}

	rs, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate authorization policy: %w", err)
	}

	decision := &Decision{Reason: "policy returned no decision", Rule: "undefined"}
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		if value, ok := rs[0].Expressions[0].Value.(map[string]interface{}); ok {
			if allow, ok := value["allow"].(bool); ok {
				decision.Allowed = allow
			}
			if reason, ok := value["reason"].(string); ok {
				decision.Reason = reason
			}
			if rule, ok := value["rule"].(string); ok {
				decision.Rule = rule
			}
		}
	}

	a.logger.Debug(ctx, "Authorization decision",
		zap.String("principal", principal.ID),
		zap.String("action", string(action)),
		zap.String("execution_id", execID),
		zap.Bool("allowed", decision.Allowed),
		zap.String("rule", decision.Rule))

	return decision, nil
}

// Check authorizes and converts a denial into a *DeniedError
func Check(ctx context.Context, authz Authorizer, principal models.Principal, action Action, exec *models.WorkflowExecution) error {
	decision, err := authz.Authorize(ctx, principal, action, exec)
	if err != nil {
		return err
	}
	if decision.Allowed {
		return nil
	}

	denied := &DeniedError{
		Principal: principal.ID,
		Action:    action,
		Reason:    decision.Reason,
		Rule:      decision.Rule,
	}
	if exec != nil {
		denied.ExecutionID = exec.ID
	}
	return denied
}

// AllowAll is an Authorizer that permits everything, for tools and tests
type AllowAll struct{}

func (AllowAll) Authorize(ctx context.Context, principal models.Principal, action Action, exec *models.WorkflowExecution) (*Decision, error) {
	return &Decision{Allowed: true, Reason: "authorization disabled", Rule: "allow_all"}, nil
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
