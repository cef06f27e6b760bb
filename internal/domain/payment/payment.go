package payment

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_gateway.go -package=mocks . Gateway

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Checkout describes an escrow payment the owner is about to make.
type Checkout struct {
	ProposalID uuid.UUID `json:"proposalId"`
	PayerID    string    `json:"payerId"`
	Amount     int64     `json:"amount"`
}

// CaptureStatus is the gateway's view of a payment.
type CaptureStatus string

const (
	CaptureSucceeded CaptureStatus = "succeeded"
	CaptureFailed    CaptureStatus = "failed"
)

// CaptureEvent is delivered by the gateway webhook once funds are held.
type CaptureEvent struct {
	EventID    string        `json:"eventId"`
	ProposalID uuid.UUID     `json:"proposalId"`
	Amount     int64         `json:"amount"`
	Status     CaptureStatus `json:"status"`
}

// Gateway starts hosted checkouts.
type Gateway interface {
	InitiateCheckout(ctx context.Context, checkout Checkout) (redirectURL string, err error)
}
