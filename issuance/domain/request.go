package domain

import (
	"context"
	"time"
)

type RequestStatus string

const (
	StatusPending RequestStatus = "PENDING"
	StatusSuccess RequestStatus = "SUCCESS"
	StatusFailed  RequestStatus = "FAILED"
)

func (s RequestStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// IssuanceRequest acompanha um pedido assíncrono até o desfecho.
// Sai de PENDING exatamente uma vez.
type IssuanceRequest struct {
	RequestID         string
	CorrelationID     string
	RequesterID       string
	ResourceType      string
	SubmittedAt       time.Time
	Status            RequestStatus
	GrantedResourceID string
	ErrorReason       string
	DecidedAt         time.Time
}

// Outcome é o desfecho aplicado por RequestTracker.Complete.
type Outcome struct {
	Success           bool
	GrantedResourceID string
	ErrorReason       string
	DecidedAt         time.Time
}

// RequestTracker correlaciona requestId ao desfecho.
//
// Complete em um pedido já terminal devolve ErrAlreadyCompleted: indica entrega
// duplicada e nunca deve sobrescrever o estado.
type RequestTracker interface {
	Create(ctx context.Context, req IssuanceRequest) (IssuanceRequest, error)
	Complete(ctx context.Context, requestID string, out Outcome) (IssuanceRequest, error)
	Get(ctx context.Context, requestID string) (IssuanceRequest, bool, error)
}
