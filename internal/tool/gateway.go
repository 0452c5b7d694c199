package tool

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/joss/kado/internal/audit"
	"github.com/joss/kado/internal/logging"
	"github.com/joss/kado/internal/permission"
	"github.com/joss/kado/internal/sandbox"
)

// Permissions decides gated actions. Implemented by *permission.Manager.
type Permissions interface {
	Request(ctx context.Context, a permission.Action) (permission.Decision, error)
}

// Recorder appends audit entries. Implemented by *audit.Logger.
type Recorder interface {
	Log(e audit.Entry) (audit.Entry, error)
}

// Audit actions for calls that never need a permission decision.
const (
	ActionFileRead = "file-read"
	ActionSearch   = "search"
)

// Gateway is the only path from agents to tools. Per call it runs the guard
// checks, asks for permission when the call mutates state, appends an audit
// entry and only then executes.
type Gateway struct {
	registry *Registry
	root     string
	fs       *sandbox.FileSystemGuard
	net      *sandbox.NetworkGuard
	filter   *sandbox.CommandFilter
	perms    Permissions
	audit    Recorder
	log      *logging.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithFileSystemGuard scopes path arguments and sets the resolution root.
func WithFileSystemGuard(g *sandbox.FileSystemGuard) GatewayOption {
	return func(gw *Gateway) {
		gw.fs = g
		gw.root = g.Project()
	}
}

// WithNetworkGuard scopes url arguments.
func WithNetworkGuard(g *sandbox.NetworkGuard) GatewayOption {
	return func(gw *Gateway) { gw.net = g }
}

// WithCommandFilter rejects shell commands before any permission prompt.
func WithCommandFilter(f *sandbox.CommandFilter) GatewayOption {
	return func(gw *Gateway) { gw.filter = f }
}

// WithPermissions sets the decision gate for mutating calls.
func WithPermissions(p Permissions) GatewayOption {
	return func(gw *Gateway) { gw.perms = p }
}

// WithAudit sets the audit log.
func WithAudit(r Recorder) GatewayOption {
	return func(gw *Gateway) { gw.audit = r }
}

// NewGateway wraps reg.
func NewGateway(reg *Registry, opts ...GatewayOption) *Gateway {
	gw := &Gateway{registry: reg, log: logging.New("gateway")}
	for _, opt := range opts {
		opt(gw)
	}
	return gw
}

// Registry returns the wrapped registry.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Resolve maps an alias to its canonical tool name.
func (g *Gateway) Resolve(name string) string {
	return g.registry.Resolve(name)
}

// Root returns the directory relative paths resolve against.
func (g *Gateway) Root() string {
	return g.root
}

// gate is the classification of one call.
type gate struct {
	action   string
	resource string
	// perm is set when the call needs a permission decision.
	perm *permission.Action
	// deny is set when a guard refused the call.
	deny string
}

func (g *Gateway) classify(name string, args map[string]any) gate {
	switch name {
	case "file_read":
		p := resolvePath(g.root, PathArg(args))
		gt := gate{action: ActionFileRead, resource: p}
		if g.fs != nil && !g.fs.ValidateRead(p) {
			gt.deny = "path outside allowed roots: " + p
		}
		return gt

	case "glob_search", "grep_search":
		dir, _ := stringArg(args, "cwd", "path")
		p := resolvePath(g.root, dir)
		gt := gate{action: ActionSearch, resource: p}
		if g.fs != nil && !g.fs.ValidateRead(p) {
			gt.deny = "path outside allowed roots: " + p
		}
		return gt

	case "semantic_search":
		q, _ := stringArg(args, "query")
		return gate{action: ActionSearch, resource: q}

	case "file_write", "file_edit":
		p := resolvePath(g.root, PathArg(args))
		gt := gate{action: string(permission.ActionFileWrite), resource: p}
		if g.fs != nil && !g.fs.ValidateWrite(p) {
			gt.deny = "write outside project: " + p
			return gt
		}
		gt.perm = &permission.Action{
			Type:        permission.ActionFileWrite,
			Description: fmt.Sprintf("%s %s", name, g.rel(p)),
			Resource:    p,
			Risk:        permission.RiskFor(permission.ActionFileWrite),
		}
		return gt

	case "file_delete":
		p := resolvePath(g.root, PathArg(args))
		gt := gate{action: string(permission.ActionFileDelete), resource: p}
		if g.fs != nil && !g.fs.ValidateDelete(p) {
			gt.deny = "delete not allowed: " + p
			return gt
		}
		gt.perm = &permission.Action{
			Type:        permission.ActionFileDelete,
			Description: "delete " + g.rel(p),
			Resource:    p,
			Risk:        permission.RiskFor(permission.ActionFileDelete),
		}
		return gt

	case "shell_execute":
		cmd, _ := stringArg(args, "command", "cmd")
		typ, risk := permission.ClassifyShell(cmd)
		gt := gate{action: string(typ), resource: cmd}
		if g.filter != nil {
			if v := g.filter.Validate(cmd); !v.Allowed {
				gt.deny = v.Reason
				return gt
			}
		}
		if cwd, _ := stringArg(args, "cwd"); cwd != "" && g.fs != nil {
			if dir := resolvePath(g.root, cwd); !g.fs.ValidateRead(dir) {
				gt.deny = sandbox.ErrWorkdirNotAllowed
				return gt
			}
		}
		gt.perm = &permission.Action{Type: typ, Description: "run " + cmd, Resource: cmd, Risk: risk}
		return gt

	case "web_fetch":
		u, _ := stringArg(args, "url")
		gt := gate{action: string(permission.ActionNetworkRequest), resource: u}
		if g.net != nil && !g.net.ValidateURL(u) {
			gt.deny = "host not allowed: " + u
			return gt
		}
		gt.perm = &permission.Action{
			Type:        permission.ActionNetworkRequest,
			Description: "fetch " + u,
			Resource:    u,
			Risk:        permission.RiskFor(permission.ActionNetworkRequest),
		}
		return gt
	}
	return gate{action: "tool:" + name}
}

func (g *Gateway) rel(p string) string {
	if g.root == "" {
		return p
	}
	if r, err := filepath.Rel(g.root, p); err == nil {
		return r
	}
	return p
}

// Execute runs one tool call on behalf of agentID. Denials are audited
// before the denied result is returned; allowed calls are audited before
// they run, and a call whose audit entry cannot be written does not run.
func (g *Gateway) Execute(ctx context.Context, agentID, name string, args map[string]any) Result {
	if args == nil {
		args = map[string]any{}
	}
	canonical := g.registry.Resolve(name)
	log := g.log.For(ctx).WithAgent(agentID)

	if !g.registry.Has(canonical) {
		g.record(ctx, agentID, "tool:"+name, name, audit.ResultError, map[string]any{"reason": "unknown tool"})
		return Fail("unknown tool: %s", name)
	}

	gt := g.classify(canonical, args)
	details := map[string]any{"tool": canonical, "args": summarizeArgs(args)}

	if gt.deny != "" {
		details["reason"] = gt.deny
		details["stage"] = "guard"
		g.record(ctx, agentID, gt.action, gt.resource, audit.ResultDenied, details)
		log.Warn("tool_denied", map[string]any{"tool": canonical, "reason": gt.deny}, nil)
		return Fail("denied: %s", gt.deny)
	}

	if gt.perm != nil && g.perms != nil {
		decision, err := g.perms.Request(ctx, *gt.perm)
		details["decision"] = string(decision)
		if err != nil {
			details["reason"] = err.Error()
			details["stage"] = "permission"
			g.record(ctx, agentID, gt.action, gt.resource, audit.ResultError, details)
			return Fail("permission check failed: %v", err)
		}
		if !decision.Allowed() {
			details["stage"] = "permission"
			g.record(ctx, agentID, gt.action, gt.resource, audit.ResultDenied, details)
			log.Info("tool_permission_denied", map[string]any{"tool": canonical, "resource": gt.resource})
			return Fail("permission denied: %s", gt.perm.Description)
		}
	}

	if g.audit != nil {
		if _, err := g.audit.Log(audit.Entry{
			AgentID:  agentID,
			Action:   gt.action,
			Resource: gt.resource,
			Result:   audit.ResultAllowed,
			Details:  details,
		}); err != nil {
			log.Error("audit_write_failed", map[string]any{"tool": canonical}, err)
			return Fail("audit log unavailable, refusing %s: %v", canonical, err)
		}
	}

	res := g.registry.Execute(ctx, canonical, args)
	if !res.Success {
		g.record(ctx, agentID, gt.action, gt.resource, audit.ResultError, map[string]any{
			"tool":        canonical,
			"error":       res.Error,
			"duration_ms": res.Duration.Milliseconds(),
		})
	}
	log.Debug("tool_executed", map[string]any{
		"tool":        canonical,
		"success":     res.Success,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res
}

// record appends an entry on a path where the caller already has its
// answer; failures are logged and dropped.
func (g *Gateway) record(ctx context.Context, agentID, action, resource string, result audit.Result, details map[string]any) {
	if g.audit == nil {
		return
	}
	if _, err := g.audit.Log(audit.Entry{
		AgentID:  agentID,
		Action:   action,
		Resource: resource,
		Result:   result,
		Details:  details,
	}); err != nil {
		g.log.For(ctx).Warn("audit_write_failed", map[string]any{"action": action, "result": string(result)}, err)
	}
}

// summarizeArgs clips long string values so file contents stay out of the
// audit log.
func summarizeArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok && len(s) > 200 {
			out[k] = fmt.Sprintf("%s... (%d bytes)", s[:200], len(s))
			continue
		}
		out[k] = v
	}
	return out
}
