package domain

import "errors"

// Rejeições de negócio: viram resultado negativo normal para o chamador.
var (
	ErrStockExhausted      = errors.New("stock exhausted")
	ErrDuplicateClaim      = errors.New("duplicate claim")
	ErrInvalidResourceType = errors.New("invalid resource type")
	ErrPathNotAllowed      = errors.New("issuance path not allowed for resource type")
	ErrGrantUnavailable    = errors.New("grant unavailable")
)

// Falhas de infraestrutura.
var (
	ErrResourceBusy        = errors.New("resource busy")
	ErrLockBusy            = errors.New("lock busy")
	ErrCompensationFailure = errors.New("compensation failure")
	ErrBrokerDelivery      = errors.New("broker delivery failure")
)

// Erros de contrato dos componentes.
var (
	ErrAlreadyClaimed      = errors.New("position already claimed")
	ErrNotQueued           = errors.New("requester not queued")
	ErrRequestExists       = errors.New("request already exists")
	ErrRequestNotFound     = errors.New("request not found")
	ErrAlreadyCompleted    = errors.New("request already completed")
	ErrGrantNotFound       = errors.New("grant not found")
	ErrAlreadyCompensated  = errors.New("reservation already compensated")
	ErrCompensationRunning = errors.New("compensation already running")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrReservationClosed   = errors.New("reservation closed")
)

// IsRejection diz se err é um desfecho de negócio (não deve ser retentado
// nem logado como falha).
func IsRejection(err error) bool {
	return errors.Is(err, ErrStockExhausted) ||
		errors.Is(err, ErrDuplicateClaim) ||
		errors.Is(err, ErrInvalidResourceType) ||
		errors.Is(err, ErrPathNotAllowed) ||
		errors.Is(err, ErrGrantUnavailable)
}
