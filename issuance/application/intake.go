package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coupon-issuance/issuance/domain"
	"coupon-issuance/issuance/obs"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Intake é a entrada do caminho assíncrono: registra o pedido como PENDING,
// publica em issue-request com chave = resourceType e devolve o requestId.
type Intake struct {
	Catalog domain.Catalog
	Tracker domain.RequestTracker
	Broker  domain.Broker

	// Publish controla as tentativas de publicação. Esgotadas, o pedido vira
	// FAILED (BrokerDeliveryFailure) e o requestId continua sendo devolvido.
	Publish Backoff

	Logger  *zap.Logger
	Metrics *obs.Metrics
	Now     func() time.Time
}

func (in *Intake) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now()
}

// Submit só devolve erro quando o pedido não pôde ser aceito (tipo inválido ou
// store indisponível). Depois de aceito, falhas viram FAILED no pedido.
func (in *Intake) Submit(ctx context.Context, requesterID, resourceType string) (string, error) {
	if err := checkPath(in.Catalog, resourceType, domain.ModeAsync); err != nil {
		in.Metrics.Issue("async", resultOf(err), 0)
		return "", err
	}
	logger := obs.OrNop(in.Logger)

	req, err := in.Tracker.Create(ctx, domain.IssuanceRequest{
		RequestID:     uuid.NewString(),
		CorrelationID: uuid.NewString(),
		RequesterID:   requesterID,
		ResourceType:  resourceType,
		SubmittedAt:   in.now(),
	})
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	payload, err := json.Marshal(domain.IssueRequestMessage{
		RequestID:     req.RequestID,
		RequesterID:   req.RequesterID,
		ResourceType:  req.ResourceType,
		SubmittedAt:   req.SubmittedAt,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	headers := map[string]string{"correlation-id": req.CorrelationID}
	pubErr := in.Publish.Do(ctx, func(int) error {
		return in.Broker.Publish(ctx, domain.TopicIssueRequest, resourceType, payload, headers)
	}, nil)
	if pubErr == nil {
		in.Metrics.Accepted("published")
		logger.Debug("issue request published",
			zap.String("request_id", req.RequestID),
			zap.String("resource_type", resourceType),
			zap.String("requester_id", requesterID))
		return req.RequestID, nil
	}

	in.Metrics.Accepted("undeliverable")
	if !errors.Is(pubErr, domain.ErrBrokerDelivery) {
		pubErr = fmt.Errorf("%w: %w", domain.ErrBrokerDelivery, pubErr)
	}
	logger.Warn("issue request undeliverable",
		zap.String("request_id", req.RequestID),
		zap.String("resource_type", resourceType),
		zap.Error(pubErr))

	_, err = in.Tracker.Complete(context.WithoutCancel(ctx), req.RequestID, domain.Outcome{
		Success:     false,
		ErrorReason: reasonOf(pubErr),
		DecidedAt:   in.now(),
	})
	if err != nil {
		logger.Error("could not record delivery failure",
			zap.String("request_id", req.RequestID), zap.Error(err))
	}
	return req.RequestID, nil
}

// Poll devolve o estado atual do pedido.
func (in *Intake) Poll(ctx context.Context, requestID string) (domain.IssuanceRequest, bool, error) {
	return in.Tracker.Get(ctx, requestID)
}
