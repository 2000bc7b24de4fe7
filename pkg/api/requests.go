package api

// approveRequest is the POST /api/tasks/:id/approve body.
type approveRequest struct {
	Approved bool   `json:"approved"`
	Actor    string `json:"actor,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
