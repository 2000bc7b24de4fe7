// Package safety classifies proposed shell commands into deny /
// requires_approval / auto_approve verdicts. The validator is a total,
// pure function: it always produces a verdict and never errs.
package safety

import (
	"strings"

	"github.com/drover-io/drover/pkg/models"
)

// Verdict is the classification outcome for a command or plan.
type Verdict string

const (
	VerdictDeny             Verdict = "deny"
	VerdictRequiresApproval Verdict = "requires_approval"
	VerdictAutoApprove      Verdict = "auto_approve"
)

// rank orders verdicts worst-first for worst-wins resolution.
func (v Verdict) rank() int {
	switch v {
	case VerdictDeny:
		return 3
	case VerdictRequiresApproval:
		return 2
	case VerdictAutoApprove:
		return 1
	}
	return 0
}

// worse returns the worse of two verdicts.
func worse(a, b Verdict) Verdict {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Result describes the classification of a single command string.
type Result struct {
	Verdict Verdict
	// Pattern is the name of the matched rule, if any. Rule names are safe
	// to echo to callers; the command text itself is not.
	Pattern string
	Risk    models.RiskLevel
	Reason  string
}

// PlanVerdict aggregates per-command results with the worst-wins rule.
type PlanVerdict struct {
	Verdict Verdict
	Risk    models.RiskLevel
	Results []Result
}

// RequiresApproval reports whether the plan must pass the approval gate.
func (p PlanVerdict) RequiresApproval() bool { return p.Verdict == VerdictRequiresApproval }

// Denied reports whether the plan is rejected outright.
func (p PlanVerdict) Denied() bool { return p.Verdict == VerdictDeny }

// Validator holds the compiled pattern tables.
type Validator struct {
	deny     []compiledRule
	approval []compiledRule
	safe     []compiledRule
}

// New compiles the built-in pattern tables.
func New() *Validator {
	return &Validator{
		deny:     compileRules(denyRules),
		approval: compileRules(approvalRules),
		safe:     compileRules(safeRules),
	}
}

// maxChainLength caps how many sub-commands one command line may chain.
// Longer chains are treated as obfuscation attempts and denied.
const maxChainLength = 3

// ValidateCommand classifies a single shell command line.
//
// Order of checks:
//  1. control characters → deny
//  2. deny patterns against the whole (normalized) line → deny
//  3. chain length cap → deny
//  4. sudo combined with command substitution → requires_approval, high risk
//  5. per-sub-command classification, worst verdict wins; a sub-command is
//     auto-approved only when it matches a safe rule, and unknown commands
//     default to requires_approval
func (v *Validator) ValidateCommand(command string) Result {
	if strings.ContainsAny(command, "\x00\n\r") {
		return Result{
			Verdict: VerdictDeny,
			Risk:    models.RiskHigh,
			Reason:  "command contains control characters",
		}
	}

	normalized := normalize(command)

	for _, r := range v.deny {
		if r.Regex.MatchString(normalized) || r.Regex.MatchString(command) {
			return Result{
				Verdict: VerdictDeny,
				Pattern: r.Name,
				Risk:    models.RiskHigh,
				Reason:  "command matches blocked pattern " + r.Name,
			}
		}
	}

	subs := splitSubCommands(normalized)
	if len(subs) > maxChainLength {
		return Result{
			Verdict: VerdictDeny,
			Risk:    models.RiskHigh,
			Reason:  "command chain too long",
		}
	}

	if strings.HasPrefix(strings.TrimSpace(normalized), "sudo") && hasSubshell(normalized) {
		return Result{
			Verdict: VerdictRequiresApproval,
			Risk:    models.RiskHigh,
			Reason:  "sudo with subshell execution",
		}
	}

	out := Result{Verdict: VerdictAutoApprove, Risk: models.RiskLow}
	for _, sub := range subs {
		r := v.classifySub(sub)
		if r.Verdict.rank() > out.Verdict.rank() {
			out = r
		}
	}

	// Redirections fall outside the safe allowlist even when the command
	// head looks harmless: `cat x > /etc/hosts` is not a read.
	if out.Verdict == VerdictAutoApprove && strings.ContainsAny(normalized, "<>") {
		out = Result{
			Verdict: VerdictRequiresApproval,
			Risk:    models.RiskMedium,
			Reason:  "command uses redirection",
		}
	}

	return out
}

// classifySub classifies one pipeline segment.
func (v *Validator) classifySub(sub string) Result {
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return Result{Verdict: VerdictAutoApprove, Risk: models.RiskLow}
	}

	for _, r := range v.approval {
		if r.Regex.MatchString(sub) {
			return Result{
				Verdict: VerdictRequiresApproval,
				Pattern: r.Name,
				Risk:    models.RiskMedium,
				Reason:  "command requires approval: " + r.Name,
			}
		}
	}

	for _, r := range v.safe {
		if r.Regex.MatchString(sub) {
			return Result{
				Verdict: VerdictAutoApprove,
				Pattern: r.Name,
				Risk:    models.RiskLow,
			}
		}
	}

	// Unknown command heads are never auto-approved.
	return Result{
		Verdict: VerdictRequiresApproval,
		Risk:    models.RiskMedium,
		Reason:  "unrecognized command",
	}
}

// ValidatePlan classifies every command of a plan and resolves the overall
// verdict: any deny wins, otherwise all-auto-approve wins, otherwise
// requires_approval.
func (v *Validator) ValidatePlan(commands []models.Command) PlanVerdict {
	out := PlanVerdict{Verdict: VerdictAutoApprove, Risk: models.RiskLow}
	if len(commands) == 0 {
		return out
	}
	for _, cmd := range commands {
		r := v.ValidateCommand(cmd.Run)
		out.Results = append(out.Results, r)
		out.Verdict = worse(out.Verdict, r.Verdict)
		out.Risk = models.MaxRisk(out.Risk, r.Risk)
	}
	return out
}

// normalize collapses whitespace and strips backslash obfuscation so
// patterns match consistent text.
func normalize(command string) string {
	fields := strings.Fields(command)
	joined := strings.Join(fields, " ")
	return strings.ReplaceAll(joined, `\`, "")
}

// splitSubCommands splits a command line on shell separators (| ; && ||)
// so each segment can be classified on its own. Quoting is intentionally
// not honored: a separator inside quotes still splits, which errs toward
// stricter classification.
func splitSubCommands(command string) []string {
	replaced := command
	for _, sep := range []string{"&&", "||", ";", "|"} {
		replaced = strings.ReplaceAll(replaced, sep, "\x1f")
	}
	parts := strings.Split(replaced, "\x1f")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func hasSubshell(command string) bool {
	return strings.Contains(command, "$(") || strings.Contains(command, "`")
}
