package domain

import (
	"context"
	"time"
)

const (
	TopicIssueRequest  = "issue-request"
	TopicIssueResponse = "issue-response"
)

// Message é o envelope entregue pelo broker. Mensagens com a mesma Key caem na
// mesma partição e chegam a um único handler na ordem de publicação.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
}

type Handler func(ctx context.Context, msg Message) error

// Broker é o transporte particionado do caminho assíncrono.
//
// Subscribe bloqueia até ctx encerrar. Erro do handler não trava a partição:
// a mensagem é considerada consumida.
type Broker interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

// IssueRequestMessage é o payload de issue-request (chave: resourceType).
type IssueRequestMessage struct {
	RequestID     string    `json:"requestId"`
	RequesterID   string    `json:"requesterId"`
	ResourceType  string    `json:"resourceType"`
	SubmittedAt   time.Time `json:"submittedAt"`
	CorrelationID string    `json:"correlationId"`
}

// IssueResponseMessage é o payload de issue-response (chave: requesterId).
type IssueResponseMessage struct {
	RequestID         string    `json:"requestId"`
	RequesterID       string    `json:"requesterId"`
	ResourceType      string    `json:"resourceType"`
	Success           bool      `json:"success"`
	GrantedResourceID string    `json:"grantedResourceId,omitempty"`
	ErrorReason       string    `json:"errorReason,omitempty"`
	DecidedAt         time.Time `json:"decidedAt"`
	CorrelationID     string    `json:"correlationId"`
}
