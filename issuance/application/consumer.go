package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coupon-issuance/issuance/domain"
	"coupon-issuance/issuance/obs"

	"go.uber.org/zap"
)

const DefaultConsumerGroup = "coupon-issuer"

// Consumer processa issue-request. O broker entrega cada partição a um único
// consumidor em ordem, então aqui não há lock distribuído: só o guarda local e
// a transação.
type Consumer struct {
	Tracker domain.RequestTracker
	Broker  domain.Broker
	Grants  domain.GrantRepository
	Stock   domain.StockLedger
	Queue   domain.FairnessQueue
	Slots   domain.KeyedSlots

	Group string
	// Retry vale por mensagem, só para erros transitórios. Rejeições de negócio
	// e falhas de compensação não são retentadas.
	Retry Backoff

	Events  *Dispatcher
	Logger  *zap.Logger
	Metrics *obs.Metrics
	Now     func() time.Time
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run consome até ctx encerrar.
func (c *Consumer) Run(ctx context.Context) error {
	group := c.Group
	if group == "" {
		group = DefaultConsumerGroup
	}
	return c.Broker.Subscribe(ctx, domain.TopicIssueRequest, group, c.Handle)
}

// Handle processa uma mensagem de issue-request. Erros devolvidos são de
// infraestrutura e só são logados pelo broker; a partição segue.
func (c *Consumer) Handle(ctx context.Context, msg domain.Message) error {
	logger := obs.OrNop(c.Logger)

	var in domain.IssueRequestMessage
	if err := json.Unmarshal(msg.Value, &in); err != nil || in.RequestID == "" {
		logger.Error("undecodable issue request skipped",
			zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}
	logger = logger.With(
		zap.String("request_id", in.RequestID),
		zap.String("resource_type", in.ResourceType),
		zap.String("requester_id", in.RequesterID),
		zap.String("correlation_id", in.CorrelationID),
	)
	if msg.Key != "" && msg.Key != in.ResourceType {
		logger.Warn("message key does not match resource type", zap.String("key", msg.Key))
	}

	var (
		current domain.IssuanceRequest
		found   bool
	)
	err := c.Retry.Do(ctx, func(int) error {
		var err error
		current, found, err = c.Tracker.Get(ctx, in.RequestID)
		return err
	}, nil)
	if err != nil {
		return fmt.Errorf("load request %s: %w", in.RequestID, err)
	}
	if !found {
		logger.Warn("issue request not tracked, skipped")
		return nil
	}
	if current.Status.Terminal() {
		// entrega duplicada: nunca reemitir um sucesso.
		logger.Info("issue request already decided, skipped", zap.String("status", string(current.Status)))
		return nil
	}

	start := time.Now()
	run, grantErr := c.grant(ctx, in)
	c.Metrics.Issue("async", resultOf(grantErr), time.Since(start))

	out := domain.Outcome{
		Success:           grantErr == nil,
		GrantedResourceID: run.grant.ID,
		ErrorReason:       reasonOf(grantErr),
		DecidedAt:         c.now(),
	}
	switch {
	case grantErr == nil && run.resumed:
		logger.Info("redelivered request matched its grant", zap.String("grant_id", run.grant.ID))
	case grantErr == nil:
		logger.Info("coupon issued", zap.String("grant_id", run.grant.ID), zap.Int64("position", run.position))
	case errors.Is(grantErr, domain.ErrCompensationFailure):
		logger.Error("issuance left unbalanced state", zap.Error(grantErr))
	case domain.IsRejection(grantErr):
		logger.Debug("issuance rejected", zap.String("reason", out.ErrorReason))
	default:
		logger.Warn("issuance failed after retries", zap.Error(grantErr))
	}

	decided, err := c.complete(ctx, in.RequestID, out)
	if errors.Is(err, domain.ErrAlreadyCompleted) {
		logger.Error("request completed twice, response suppressed", zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete request %s: %w", in.RequestID, err)
	}

	c.respond(ctx, logger, in, decided)
	c.Events.Publish(domain.IssuanceDecided{
		Path:         domain.ModeAsync,
		RequestID:    in.RequestID,
		RequesterID:  in.RequesterID,
		ResourceType: in.ResourceType,
		Success:      out.Success,
		GrantID:      out.GrantedResourceID,
		Reason:       out.ErrorReason,
		Position:     run.position,
		At:           out.DecidedAt,
	})
	return nil
}

func (c *Consumer) grant(ctx context.Context, in domain.IssueRequestMessage) (*grantRun, error) {
	g := granter{grants: c.Grants, stock: c.Stock, queue: c.Queue, logger: obs.OrNop(c.Logger), now: c.now}

	var run *grantRun
	err := c.Retry.Do(ctx, func(int) error {
		run = newGrantRun(in.RequesterID, in.ResourceType, in.RequestID)
		step := Chain(g.steps(run),
			LocalExclusive(c.Slots, in.ResourceType),
			g.unwinding(run),
			Transaction(c.Grants),
		)
		return step(ctx)
	}, func(err error) bool {
		return !domain.IsRejection(err) && !errors.Is(err, domain.ErrCompensationFailure)
	})
	return run, err
}

func (c *Consumer) complete(ctx context.Context, requestID string, out domain.Outcome) (domain.IssuanceRequest, error) {
	var decided domain.IssuanceRequest
	err := c.Retry.Do(context.WithoutCancel(ctx), func(int) error {
		var err error
		decided, err = c.Tracker.Complete(context.WithoutCancel(ctx), requestID, out)
		return err
	}, func(err error) bool {
		return !errors.Is(err, domain.ErrAlreadyCompleted) && !errors.Is(err, domain.ErrRequestNotFound)
	})
	return decided, err
}

// respond publica issue-response com chave = requesterId. O pedido já está
// decidido no tracker; falha aqui só é logada.
func (c *Consumer) respond(ctx context.Context, logger *zap.Logger, in domain.IssueRequestMessage, decided domain.IssuanceRequest) {
	payload, err := json.Marshal(domain.IssueResponseMessage{
		RequestID:         in.RequestID,
		RequesterID:       in.RequesterID,
		ResourceType:      in.ResourceType,
		Success:           decided.Status == domain.StatusSuccess,
		GrantedResourceID: decided.GrantedResourceID,
		ErrorReason:       decided.ErrorReason,
		DecidedAt:         decided.DecidedAt,
		CorrelationID:     in.CorrelationID,
	})
	if err != nil {
		logger.Warn("encode issue response", zap.Error(err))
		return
	}
	headers := map[string]string{"correlation-id": in.CorrelationID}
	err = c.Retry.Do(ctx, func(int) error {
		return c.Broker.Publish(ctx, domain.TopicIssueResponse, in.RequesterID, payload, headers)
	}, nil)
	if err != nil {
		logger.Warn("issue response not published", zap.Error(err))
	}
}
