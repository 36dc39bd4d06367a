package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
)

const paypingName = "payping"

var _ adapter.GatewayAdapter = (*PayPingGateway)(nil)

// PayPingGateway integrates PayPing's server-to-server webhook channel.
// The webhook body is authenticated with an HMAC-SHA256 signature over the
// canonical string amount+refid+clientrefid, salted with the shared secret.
type PayPingGateway struct {
	token         string
	webhookSecret string
	baseURL       string
	client        *http.Client
}

func NewPayPingGateway(token, webhookSecret string) *PayPingGateway {
	return &PayPingGateway{
		token:         token,
		webhookSecret: webhookSecret,
		baseURL:       "https://api.payping.ir/v2",
		client:        &http.Client{},
	}
}

func (g *PayPingGateway) Name() string { return paypingName }

type paypingPayResponse struct {
	Code string `json:"code"`
}

type paypingWebhookPayload struct {
	Amount      int64  `json:"amount"`
	RefID       string `json:"refid"`
	ClientRefID string `json:"clientrefid"`
	CardNumber  string `json:"cardnumber"`
	Status      string `json:"status"`
}

func (g *PayPingGateway) RequestPayment(ctx context.Context, amountMinor int64, currency, description, callbackURL, token string) (string, string, error) {
	requestData := map[string]interface{}{
		"amount":      amountMinor,
		"returnUrl":   callbackURL,
		"clientRefId": token, // echoed back verbatim on the webhook
		"description": description,
	}
	jsonData, err := json.Marshal(requestData)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal request data: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/pay", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.token)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("payping error: status %d, body: %s", resp.StatusCode, string(body))
	}
	var response paypingPayResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", "", fmt.Errorf("failed to unmarshal response: %w, body: %s", err, string(body))
	}
	if response.Code == "" {
		return "", "", fmt.Errorf("payping error: empty payment code")
	}
	return response.Code, g.baseURL + "/pay/gotoipg/" + response.Code, nil
}

func (g *PayPingGateway) Normalize(raw model.RawConfirmation) (*model.PaymentConfirmation, error) {
	var payload paypingWebhookPayload
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedConfirmation, err)
	}
	if payload.RefID == "" || payload.ClientRefID == "" {
		return nil, fmt.Errorf("%w: missing refid/clientrefid", domain.ErrMalformedConfirmation)
	}
	return &model.PaymentConfirmation{
		Provider:       paypingName,
		Channel:        raw.Channel,
		RawReference:   payload.ClientRefID,
		ProviderTxnID:  payload.RefID,
		ReportedAmount: payload.Amount,
		Payload: map[string]string{
			"card_number": payload.CardNumber,
			"status":      payload.Status,
		},
	}, nil
}

// Verify recomputes the webhook signature and compares in constant time.
func (g *PayPingGateway) Verify(ctx context.Context, raw model.RawConfirmation, conf *model.PaymentConfirmation) bool {
	if raw.Channel != model.ChannelWebhook || raw.Signature == "" {
		return false
	}
	expected := WebhookSignature(g.webhookSecret, conf.ReportedAmount, conf.ProviderTxnID, conf.RawReference)
	sig, err := hex.DecodeString(raw.Signature)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	return hmac.Equal(sig, want)
}

// WebhookSignature computes HMAC-SHA256(amount + refid + clientrefid, secret)
// as hex. Exported so provider simulators and tests can sign payloads.
func WebhookSignature(secret string, amount int64, refID, clientRefID string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(amount, 10) + refID + clientRefID))
	return hex.EncodeToString(h.Sum(nil))
}
