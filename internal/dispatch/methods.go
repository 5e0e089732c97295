// ABOUTME: Closed set of dispatchable methods with their scopes and side-effect flags
// ABOUTME: Parsing an unknown name fails instead of falling through to a default

package dispatch

import (
	"slices"
)

// Method is a supported command.
type Method int

// Supported methods.
const (
	MethodHealthGet Method = iota + 1
	MethodHealth
	MethodStatus
	MethodSystemPresence
	MethodSystemEvent
	MethodConfigGet
	MethodConfigSchema
	MethodTasksList
	MethodTasksCreate
	MethodTasksRetry
	MethodBindingsResolve
	MethodPolicyDMCheck
)

// Scopes checked by the dispatcher.
const (
	ScopeHealthRead  = "health.read"
	ScopeStatusRead  = "status.read"
	ScopeSystemRead  = "system.read"
	ScopeSystemWrite = "system.write"
	ScopeConfigRead  = "config.read"
	ScopeTasksRead   = "tasks.read"
	ScopeTasksWrite  = "tasks.write"
	ScopeRoutingRead = "routing.read"
	ScopePolicyRead  = "policy.read"
)

type methodSpec struct {
	name       string
	scope      string
	sideEffect bool
	adminOnly  bool
}

var methodTable = map[Method]methodSpec{
	MethodHealthGet:       {name: "health.get", scope: ScopeHealthRead},
	MethodHealth:          {name: "health", scope: ScopeHealthRead},
	MethodStatus:          {name: "status", scope: ScopeStatusRead},
	MethodSystemPresence:  {name: "system-presence", scope: ScopeSystemRead},
	MethodSystemEvent:     {name: "system-event", scope: ScopeSystemWrite, adminOnly: true},
	MethodConfigGet:       {name: "config.get", scope: ScopeConfigRead},
	MethodConfigSchema:    {name: "config.schema", scope: ScopeConfigRead},
	MethodTasksList:       {name: "tasks.list", scope: ScopeTasksRead},
	MethodTasksCreate:     {name: "tasks.create", scope: ScopeTasksWrite, sideEffect: true},
	MethodTasksRetry:      {name: "tasks.retry", scope: ScopeTasksWrite, sideEffect: true},
	MethodBindingsResolve: {name: "bindings.resolve", scope: ScopeRoutingRead},
	MethodPolicyDMCheck:   {name: "policy.dm_check", scope: ScopePolicyRead},
}

var methodsByName = func() map[string]Method {
	m := make(map[string]Method, len(methodTable))
	for method, spec := range methodTable {
		m[spec.name] = method
	}
	return m
}()

// ParseMethod looks up a method by wire name.
func ParseMethod(name string) (Method, bool) {
	m, ok := methodsByName[name]
	return m, ok
}

// String returns the wire name.
func (m Method) String() string {
	if spec, ok := methodTable[m]; ok {
		return spec.name
	}
	return "unknown"
}

// Scope is the scope a caller needs.
func (m Method) Scope() string { return methodTable[m].scope }

// SideEffect reports whether the method requires an idempotency key.
func (m Method) SideEffect() bool { return methodTable[m].sideEffect }

// IsTask reports whether the method mutates tasks.
func (m Method) IsTask() bool {
	return m == MethodTasksCreate || m == MethodTasksRetry
}

// MethodNames lists every wire name, sorted.
func MethodNames() []string {
	names := make([]string, 0, len(methodTable))
	for _, spec := range methodTable {
		names = append(names, spec.name)
	}
	slices.Sort(names)
	return names
}

// EventNames lists the events a client may receive.
func EventNames() []string {
	return []string{
		"document.failed",
		"document.indexed",
		"heartbeat",
		"presence.connected",
		"presence.disconnected",
		"system.event",
		"task.completed",
		"task.failed",
		"task.started",
		"task.updated",
	}
}
