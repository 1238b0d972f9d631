package domain

import "time"

type ReservationState string

const (
	ReservationPending   ReservationState = "PENDING"
	ReservationConfirmed ReservationState = "CONFIRMED"
	// ReservationCompensating: timeout aceito, compensação em curso ou
	// interrompida. Só um novo Fail(timeout) a retoma; Confirm é recusado.
	ReservationCompensating ReservationState = "COMPENSATING"
	ReservationCompensated  ReservationState = "COMPENSATED"
)

type ReservedItem struct {
	ResourceType string `json:"resourceType"`
	Quantity     int64  `json:"quantity"`
}

// Reservation é o compromisso posterior que usa um cupom emitido (ex.: um pedido
// aguardando pagamento). Se expirar, a compensação desfaz estoque e uso do cupom.
type Reservation struct {
	ID          string
	RequesterID string
	GrantID     string
	Items       []ReservedItem
	CreatedAt   time.Time
	ExpiresAt   time.Time
	State       ReservationState

	// Falhas comuns (não-timeout) ficam registradas, mas a reserva continua
	// aberta: o passo posterior pode ser tentado de novo.
	Failures    int
	LastFailure string
}

// Units é o total de unidades de estoque consumidas.
func (r Reservation) Units() int64 {
	var n int64
	for _, it := range r.Items {
		n += it.Quantity
	}
	return n
}

// FailureReason separa timeout (compensa) de rejeição comum (não compensa).
type FailureReason string

const (
	FailureTimeout  FailureReason = "timeout"
	FailureRejected FailureReason = "rejected"
)
