package api

// rootResponse describes the service on GET /.
type rootResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Agents  int    `json:"agents"`
	Tasks   int    `json:"tasks"`
}

// agentCounts summarizes fleet liveness for /health.
type agentCounts struct {
	Total     int `json:"total"`
	Online    int `json:"online"`
	Available int `json:"available"`
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status             string      `json:"status"`
	Version            string      `json:"version"`
	Planner            string      `json:"planner"`
	Agents             agentCounts `json:"agents"`
	AuditWriteFailures int64       `json:"audit_write_failures"`
}

// pingResponse acknowledges POST /api/agents/:id/ping.
type pingResponse struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id"`
}
