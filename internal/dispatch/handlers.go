// ABOUTME: Handlers for each dispatchable method
// ABOUTME: Read handlers return fresh results; task handlers write through to the store

package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/config"
	"github.com/2389/agent-gateway/internal/orchestrator"
	"github.com/2389/agent-gateway/internal/policy"
	"github.com/2389/agent-gateway/internal/routing"
	"github.com/2389/agent-gateway/internal/store"
)

type handlerFunc func(ctx context.Context, d *Dispatcher, params map[string]any, identity auth.Identity) (map[string]any, error)

const taskListLimit = 100

var handlers = map[Method]handlerFunc{
	MethodHealthGet:       handleHealth,
	MethodHealth:          handleHealth,
	MethodStatus:          handleStatus,
	MethodSystemPresence:  handleSystemPresence,
	MethodSystemEvent:     handleSystemEvent,
	MethodConfigGet:       handleConfigGet,
	MethodConfigSchema:    handleConfigSchema,
	MethodTasksList:       handleTasksList,
	MethodTasksCreate:     handleTasksCreate,
	MethodTasksRetry:      handleTasksRetry,
	MethodBindingsResolve: handleBindingsResolve,
	MethodPolicyDMCheck:   handlePolicyDMCheck,
}

func handleHealth(ctx context.Context, d *Dispatcher, params map[string]any, identity auth.Identity) (map[string]any, error) {
	return map[string]any{
		"status":    "ok",
		"timestamp": d.now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func handleStatus(ctx context.Context, d *Dispatcher, params map[string]any, identity auth.Identity) (map[string]any, error) {
	result, _ := handleHealth(ctx, d, params, identity)
	result["version"] = d.Version
	result["uptime_seconds"] = int64(d.Uptime().Seconds())
	return result, nil
}

func handleSystemPresence(ctx context.Context, d *Dispatcher, params map[string]any, identity auth.Identity) (map[string]any, error) {
	presence := []any{}
	if d.Presence != nil {
		for _, entry := range d.Presence.Presence() {
			presence = append(presence, entry)
		}
	}
	return map[string]any{"presence": presence}, nil
}

func handleSystemEvent(ctx context.Context, d *Dispatcher, params map[string]any, identity auth.Identity) (map[string]any, error) {
	event := stringParam(params, "event")
	if event == "" {
		event = "system.event"
	}
	payload, ok := params["payload"].(map[string]any)
	if !ok {
		payload, _ = params["data"].(map[string]any)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if err := d.Bus.Publish(ctx, event, payload); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "event": event}, nil
}

func handleConfigGet(ctx context.Context, d *Dispatcher, params map[string]any, identity auth.Identity) (map[string]any, error) {
	if d.Config == nil {
		return map[string]any{"hash": "", "config": map[string]any{}}, nil
	}
	return map[string]any{"hash": d.Config.Hash(), "config": d.Config.Redacted()}, nil
}

func handleConfigSchema(ctx context.Context, d *Dispatcher, params map[string]any, identity auth.Identity) (map[string]any, error) {
	return map[string]any{"schema": config.Schema()}, nil
}

func handleTasksList(ctx context.Context, d *Dispatcher, params map[string]any, identity auth.Identity) (map[string]any, error) {
	tasks, err := d.Tasks.ListTasks(ctx, taskListLimit)
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, map[string]any{
			"id":          t.ID,
			"status":      string(t.Status),
			"session_id":  t.SessionID,
			"plugin_id":   t.PluginID,
			"plugin_name": t.PluginName,
			"provider_id": t.ProviderID,
		})
	}
	return map[string]any{"items": items}, nil
}

func handleTasksCreate(ctx context.Context, d *Dispatcher, params map[string]any, identity auth.Identity) (map[string]any, error) {
	sessionID, err := uuidParam(params, "session_id")
	if err != nil {
		return nil, failed("Invalid tasks.create payload: %v", err)
	}
	pluginName := stringParam(params, "plugin_name")
	if pluginName == "" {
		return nil, failed("Invalid tasks.create payload: plugin_name is required")
	}
	providerID, err := uuidParam(params, "provider_id")
	if err != nil {
		return nil, failed("Invalid tasks.create payload: %v", err)
	}
	input, ok := params["input_data"].(map[string]any)
	if !ok {
		return nil, failed("Invalid tasks.create payload: input_data must be an object")
	}

	provider, err := d.Tasks.GetProvider(ctx, providerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	plugin, perr := d.Tasks.GetPluginByName(ctx, pluginName)
	if perr != nil && !errors.Is(perr, store.ErrNotFound) {
		return nil, perr
	}
	if provider == nil || plugin == nil {
		return nil, failed("Provider or plugin not found")
	}

	task := &store.Task{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		PluginID:   plugin.ID,
		ProviderID: provider.ID,
		Status:     store.TaskStatusPending,
		Input:      input,
		CreatedAt:  d.now().UTC(),
	}
	if err := d.Tasks.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	d.Logger.Info("task created", "task_id", task.ID, "plugin", pluginName, "actor", identity.Username)
	return map[string]any{"task_id": task.ID, "status": string(store.TaskStatusPending)}, nil
}

func handleTasksRetry(ctx context.Context, d *Dispatcher, params map[string]any, identity auth.Identity) (map[string]any, error) {
	taskID, err := uuidParam(params, "task_id")
	if err != nil {
		return nil, failed("Invalid task_id")
	}

	// A retry runs to completion even if the caller disconnects.
	task, err := d.Executor.Execute(context.WithoutCancel(ctx), taskID, identity.Role)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, failed("Task not found")
	case errors.Is(err, orchestrator.ErrTerminal):
		return nil, failed("Task %s already finished", taskID)
	case errors.Is(err, orchestrator.ErrAlreadyClaimed):
		return nil, failed("Task %s is already running", taskID)
	case err != nil:
		return nil, err
	}

	var errMsg any
	if task.ErrorMessage != nil {
		errMsg = *task.ErrorMessage
	}
	output := task.Output
	if output == nil {
		output = map[string]any{}
	}
	return map[string]any{
		"task_id":       task.ID,
		"status":        string(task.Status),
		"output_data":   output,
		"error_message": errMsg,
	}, nil
}

func handleBindingsResolve(ctx context.Context, d *Dispatcher, params map[string]any, identity auth.Identity) (map[string]any, error) {
	req := routing.Request{
		Channel:   stringParam(params, "channel"),
		AccountID: stringParam(params, "account_id"),
		Peer:      stringParam(params, "peer"),
		BotID:     stringParam(params, "bot_id"),
	}
	m, ok, err := d.Resolver.Resolve(ctx, req)
	if errors.Is(err, routing.ErrChannelRequired) {
		return nil, failed("channel is required")
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{"matched": false, "reason": "no_matching_binding"}, nil
	}
	return map[string]any{
		"matched":     true,
		"binding_id":  m.Binding.ID,
		"agent_id":    m.Binding.AgentID,
		"reason":      "matched",
		"specificity": m.Specificity,
	}, nil
}

func handlePolicyDMCheck(ctx context.Context, d *Dispatcher, params map[string]any, identity auth.Identity) (map[string]any, error) {
	agentID := stringParam(params, "agent_id")
	if agentID == "" {
		return nil, failed("agent_id is required")
	}
	sender, err := int64Param(params, "sender_user_id")
	if err != nil {
		return nil, failed("sender_user_id must be int")
	}

	res, err := d.Gate.Check(ctx, policy.CheckRequest{
		AgentID:      agentID,
		Channel:      stringParam(params, "channel"),
		SenderID:     sender,
		DeviceID:     stringParam(params, "device_id"),
		AccountID:    stringParam(params, "account_id"),
		Peer:         stringParam(params, "peer"),
		IsGroup:      boolParam(params, "is_group"),
		BotMentioned: boolParam(params, "bot_mentioned"),
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, failed("Agent not found")
	}
	if errors.Is(err, policy.ErrAgentRequired) {
		return nil, failed("agent_id is required")
	}
	if err != nil {
		return nil, failed("%s", err.Error())
	}
	return map[string]any{
		"allowed": res.Allowed,
		"reason":  string(res.Reason),
		"paired":  res.Paired,
		"policy":  string(res.Policy),
	}, nil
}
