package domain

import (
	"encoding/json"
	"time"
)

type ApplicationStatus string

const (
	ApplicationStatusPending  ApplicationStatus = "pending"
	ApplicationStatusAccepted ApplicationStatus = "accepted"
	ApplicationStatusFailed   ApplicationStatus = "failed"
)

type Application struct {
	ID                  string
	ConsentID           string
	AgentTenant         string
	BoardTenant         string
	JobExternalID       string
	Status              ApplicationStatus
	SubmittedAt         time.Time
	PayloadHash         string
	SubmissionSignature string
	SubmissionKeyID     string
	SubmissionAlgorithm string
	TokenGraceAccepted  bool
	Receipt             json.RawMessage
	ReceiptSignature    string
	ReceiptHash         string
}

// BoardReceipt is signed by the board over its JCS canonical form.
type BoardReceipt struct {
	Spec          string    `json:"spec"`
	ApplicationID string    `json:"application_id"`
	BoardID       string    `json:"board_id"`
	JobExternalID string    `json:"job_external_id"`
	CandidateID   string    `json:"candidate_id"`
	Status        string    `json:"status"`
	ReceivedAt    time.Time `json:"received_at"`
	BoardRef      string    `json:"board_ref"`
}

type BoardReceiptEnvelope struct {
	Receipt          BoardReceipt `json:"receipt"`
	ReceiptSignature string       `json:"receipt_signature"`
}

// ApplyPayload is the part of a submission body the gateway reads. The rest
// of the document is forwarded to the board untouched.
type ApplyPayload struct {
	ConsentToken string         `json:"consent_token"`
	Candidate    ApplyCandidate `json:"candidate"`
	Job          ApplyJob       `json:"job"`
}

type ApplyCandidate struct {
	ID string `json:"id"`
}

type ApplyJob struct {
	ExternalID string `json:"external_id"`
}
