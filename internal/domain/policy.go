package domain

type SubmissionPolicyInput struct {
	Action        string   `json:"action"`
	Agent         string   `json:"agent"`
	Board         string   `json:"board"`
	TokenBoard    string   `json:"token_board"`
	Scopes        []string `json:"scopes"`
	GraceAccepted bool     `json:"grace_accepted"`
	JobExternalID string   `json:"job_external_id"`
}

type PolicyDeny struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type PolicyResult struct {
	Allow bool         `json:"allow"`
	Deny  []PolicyDeny `json:"deny,omitempty"`
}
