package domain

import "time"

// IssueState são os estados do fluxo de emissão de um pedido.
type IssueState string

const (
	StateStart           IssueState = "START"
	StateDuplicateCheck  IssueState = "DUPLICATE_CHECK"
	StatePositionClaimed IssueState = "POSITION_CLAIMED"
	StateStockReserved   IssueState = "STOCK_RESERVED"
	StatePersisted       IssueState = "PERSISTED"
	StateIssued          IssueState = "ISSUED"
	StateRejected        IssueState = "REJECTED"
)

// QueueStatus é a visão de um tipo de recurso para quem consulta.
type QueueStatus struct {
	ResourceType   string `json:"resourceType"`
	IssuedCount    int64  `json:"issuedCount"`
	QueuedCount    int64  `json:"queuedCount"`
	RemainingStock int64  `json:"remainingStock"`
	IsEnded        bool   `json:"isEnded"`
}

// IssuanceDecided é publicado no dispatcher a cada decisão (sync ou async).
type IssuanceDecided struct {
	Path         Mode
	RequestID    string
	RequesterID  string
	ResourceType string
	Success      bool
	GrantID      string
	Reason       string
	Position     int64
	At           time.Time
}
