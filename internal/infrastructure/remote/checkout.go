package remote

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gigmarket/gigmarket/internal/domain/payment"
)

// Gateway implements payment.Gateway against the hosted checkout API.
type Gateway struct {
	client
	returnURL string
}

// NewGateway creates a gateway client. returnURL is where the payer lands
// after checkout.
func NewGateway(baseURL, apiKey, returnURL string, timeout time.Duration) *Gateway {
	return &Gateway{client: newClient(baseURL, apiKey, timeout), returnURL: returnURL}
}

func (g *Gateway) InitiateCheckout(ctx context.Context, checkout payment.Checkout) (string, error) {
	req := struct {
		payment.Checkout
		Currency       string `json:"currency"`
		ReturnURL      string `json:"returnUrl,omitempty"`
		IdempotencyKey string `json:"idempotencyKey"`
	}{
		Checkout:       checkout,
		Currency:       "usd",
		ReturnURL:      g.returnURL,
		IdempotencyKey: "checkout-" + checkout.ProposalID.String(),
	}
	var out struct {
		RedirectURL string `json:"redirectUrl"`
	}
	if err := g.doJSON(ctx, http.MethodPost, "v1/checkouts", req, &out); err != nil {
		return "", err
	}
	if out.RedirectURL == "" {
		return "", errors.New("checkout response has no redirect url")
	}
	return out.RedirectURL, nil
}
