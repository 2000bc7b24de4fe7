package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/drover-io/drover/pkg/llm"
	"github.com/drover-io/drover/pkg/models"
)

// FormatError reports that the model produced output that could not be
// parsed into a valid plan even after a correction round.
type FormatError struct {
	Provider string
	Detail   string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("planner %s returned an unusable plan: %s", e.Provider, e.Detail)
}

const systemPromptHeader = `You are the planning component of a task orchestration controller.
Given an operator request and the available agents, produce a JSON plan.

Reply with ONLY a JSON object, no prose, matching this schema:
{
  "target_agent_id": "optional explicit agent id",
  "target_role": "optional role to select by",
  "workspace": "working directory for the commands",
  "workspace_type": "bare | docker | venv",
  "steps": ["human-readable step descriptions"],
  "reasoning": "one short paragraph",
  "risk_level": "low | medium | high",
  "requires_approval": false,
  "commands": [
    {"dir": ".", "run": "shell command", "timeout_seconds": 300, "continue_on_error": false}
  ]
}

Rules:
- Commands run non-interactively; never emit commands that prompt for input.
- Prefer read-only commands when the request is diagnostic.
- timeout_seconds must be between 1 and 3600; omit it to accept the default.
- Set risk_level honestly; destructive operations are never low risk.`

// LivePlanner asks an LLM backend for a plan and validates its output.
type LivePlanner struct {
	completer llm.Completer
}

// NewLive wraps an LLM completer as a planner.
func NewLive(completer llm.Completer) *LivePlanner {
	return &LivePlanner{completer: completer}
}

func (p *LivePlanner) Provider() string { return p.completer.Name() }

// Plan prompts the model once, and retries once with a correction prompt if
// the reply does not parse into a valid plan.
func (p *LivePlanner) Plan(ctx context.Context, request string, inventory []models.Agent) (*models.Plan, error) {
	system := systemPromptHeader + "\n\nAvailable agents:\n" + formatInventory(inventory)

	reply, err := p.completer.Complete(ctx, system, request)
	if err != nil {
		return nil, fmt.Errorf("planner completion: %w", err)
	}

	plan, parseErr := parsePlan(reply)
	if parseErr == nil {
		return plan, nil
	}

	slog.Warn("Planner reply was not a valid plan, retrying once",
		"provider", p.completer.Name(), "error", parseErr)

	correction := fmt.Sprintf(
		"%s\n\nYour previous reply was not valid JSON matching the schema (%v). Reply again with only the corrected JSON object.",
		request, parseErr)
	reply, err = p.completer.Complete(ctx, system, correction)
	if err != nil {
		return nil, fmt.Errorf("planner completion retry: %w", err)
	}
	plan, parseErr = parsePlan(reply)
	if parseErr != nil {
		return nil, &FormatError{Provider: p.completer.Name(), Detail: parseErr.Error()}
	}
	return plan, nil
}

// formatInventory renders agents as prompt bullets. Offline agents are
// listed so the model can explain unavailability rather than target them.
func formatInventory(inventory []models.Agent) string {
	if len(inventory) == 0 {
		return "- none connected"
	}
	var sb strings.Builder
	for _, a := range inventory {
		fmt.Fprintf(&sb, "- id=%s hostname=%s status=%s roles=%s active_tasks=%d cpu=%.0f%%\n",
			a.ID, a.Hostname, a.Status, strings.Join(a.Roles, ","), a.ActiveTaskCount, a.Telemetry.CPUPercent)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// rawCommand mirrors the wire command with a pointer timeout so "absent"
// and "zero" are distinguishable.
type rawCommand struct {
	Dir             string            `json:"dir"`
	Run             string            `json:"run"`
	TimeoutSeconds  *int              `json:"timeout_seconds"`
	ContinueOnError bool              `json:"continue_on_error"`
	Env             map[string]string `json:"env"`
}

type rawPlan struct {
	TargetAgentID    string       `json:"target_agent_id"`
	TargetRole       string       `json:"target_role"`
	Workspace        string       `json:"workspace"`
	WorkspaceType    string       `json:"workspace_type"`
	Steps            []string     `json:"steps"`
	Reasoning        string       `json:"reasoning"`
	RiskLevel        string       `json:"risk_level"`
	RequiresApproval bool         `json:"requires_approval"`
	Commands         []rawCommand `json:"commands"`
}

// parsePlan extracts the JSON object from a model reply (tolerating code
// fences and surrounding prose) and normalizes it into a models.Plan.
func parsePlan(reply string) (*models.Plan, error) {
	payload := extractJSON(reply)
	if payload == "" {
		return nil, fmt.Errorf("no JSON object found in reply")
	}

	var raw rawPlan
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return normalizePlan(&raw)
}

func normalizePlan(raw *rawPlan) (*models.Plan, error) {
	plan := &models.Plan{
		TargetAgentID:    strings.TrimSpace(raw.TargetAgentID),
		TargetRole:       strings.TrimSpace(raw.TargetRole),
		Workspace:        strings.TrimSpace(raw.Workspace),
		WorkspaceType:    models.WorkspaceType(raw.WorkspaceType),
		Steps:            raw.Steps,
		Reasoning:        strings.TrimSpace(raw.Reasoning),
		RiskLevel:        models.RiskLevel(raw.RiskLevel),
		RequiresApproval: raw.RequiresApproval,
	}

	if plan.Workspace == "" {
		plan.Workspace = "."
	}
	if plan.WorkspaceType == "" {
		plan.WorkspaceType = models.WorkspaceBare
	}
	if !models.ValidWorkspaceType(plan.WorkspaceType) {
		return nil, fmt.Errorf("unknown workspace_type %q", raw.WorkspaceType)
	}
	if plan.RiskLevel == "" {
		plan.RiskLevel = models.RiskMedium
	}
	if !models.ValidRiskLevel(plan.RiskLevel) {
		return nil, fmt.Errorf("unknown risk_level %q", raw.RiskLevel)
	}

	for i, rc := range raw.Commands {
		run := strings.TrimSpace(rc.Run)
		if run == "" {
			return nil, fmt.Errorf("command %d has an empty run", i)
		}
		timeout := models.DefaultCommandTimeout
		if rc.TimeoutSeconds != nil {
			timeout = *rc.TimeoutSeconds
			if timeout < models.MinCommandTimeout {
				return nil, fmt.Errorf("command %d timeout_seconds %d is below the minimum", i, timeout)
			}
			if timeout > models.MaxCommandTimeout {
				timeout = models.MaxCommandTimeout
			}
		}
		dir := strings.TrimSpace(rc.Dir)
		if dir == "" {
			dir = plan.Workspace
		}
		plan.Commands = append(plan.Commands, models.Command{
			Dir:             dir,
			Run:             run,
			TimeoutSeconds:  timeout,
			ContinueOnError: rc.ContinueOnError,
			Env:             rc.Env,
		})
	}

	return plan, nil
}

// extractJSON returns the first balanced top-level JSON object in s,
// stripping markdown code fences first.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
