// Package planner turns a natural-language request into an executable plan,
// either via a configured LLM backend or a deterministic fallback.
package planner

import (
	"context"
	"strings"

	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/safety"
)

// Planner produces a plan for a request given the current agent inventory.
type Planner interface {
	Plan(ctx context.Context, request string, inventory []models.Agent) (*models.Plan, error)

	// Provider names the backing planner for logs and /health.
	Provider() string
}

// StubPlanner maps request keywords onto fixed command sequences. It never
// fails, which keeps the controller usable without any LLM credentials.
type StubPlanner struct{}

func (StubPlanner) Provider() string { return "stub" }

func (StubPlanner) Plan(_ context.Context, request string, _ []models.Agent) (*models.Plan, error) {
	lower := strings.ToLower(request)

	switch {
	case strings.Contains(lower, "deploy"):
		return &models.Plan{
			Workspace:     ".",
			WorkspaceType: models.WorkspaceBare,
			Steps:         []string{"Pull latest changes", "Install dependencies", "Restart the service"},
			Reasoning:     "Deployment request mapped to the standard pull, install, restart sequence.",
			RiskLevel:     models.RiskMedium,
			Commands: []models.Command{
				{Dir: ".", Run: "git pull origin main", TimeoutSeconds: models.DefaultCommandTimeout},
				{Dir: ".", Run: "npm install", TimeoutSeconds: models.DefaultCommandTimeout},
				{Dir: ".", Run: "systemctl restart app", TimeoutSeconds: models.DefaultCommandTimeout},
			},
		}, nil
	case strings.Contains(lower, "update") || strings.Contains(lower, "pull"):
		return &models.Plan{
			Workspace:     ".",
			WorkspaceType: models.WorkspaceBare,
			Steps:         []string{"Pull latest changes"},
			Reasoning:     "Update request mapped to a git pull.",
			RiskLevel:     models.RiskLow,
			Commands: []models.Command{
				{Dir: ".", Run: "git pull origin main", TimeoutSeconds: models.DefaultCommandTimeout},
			},
		}, nil
	case strings.Contains(lower, "status") || strings.Contains(lower, "check"):
		return &models.Plan{
			Workspace:     ".",
			WorkspaceType: models.WorkspaceBare,
			Steps:         []string{"Report uptime and running services"},
			Reasoning:     "Status request mapped to read-only host inspection.",
			RiskLevel:     models.RiskLow,
			Commands: []models.Command{
				{Dir: ".", Run: "uptime && systemctl list-units --type=service --state=running", TimeoutSeconds: models.DefaultCommandTimeout},
			},
		}, nil
	}

	return &models.Plan{
		Workspace:     ".",
		WorkspaceType: models.WorkspaceBare,
		Steps:         []string{"Echo the request back for operator review"},
		Reasoning:     "No keyword matched; emitting a harmless placeholder instead of guessing.",
		RiskLevel:     models.RiskLow,
		Commands: []models.Command{
			{Dir: ".", Run: "echo " + shellQuote(request), TimeoutSeconds: models.DefaultCommandTimeout},
		},
	}, nil
}

// Finalize applies the safety verdict to a plan: approval is required when
// the validator demands it, the model asked for it, or the resolved risk is
// medium or above. Risk is the worse of the model's estimate and the
// validator's.
func Finalize(plan *models.Plan, verdict safety.PlanVerdict) {
	plan.RiskLevel = models.MaxRisk(plan.RiskLevel, verdict.Risk)
	plan.RequiresApproval = plan.RequiresApproval ||
		verdict.RequiresApproval() ||
		plan.RiskLevel.AtLeast(models.RiskMedium)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
