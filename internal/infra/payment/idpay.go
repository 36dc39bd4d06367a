package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
)

const idpayName = "idpay"

var (
	_ adapter.GatewayAdapter = (*IDPayGateway)(nil)
	_ adapter.StatusPoller   = (*IDPayGateway)(nil)
)

// IDPayGateway integrates the IDPay IPG. IDPay posts the result back both as
// a browser redirect and an unsigned server callback; neither carries a
// signature, so both normalize unverified and the authenticated verify call
// settles the outcome. The `order_id` field round-trips our correlation
// token, which is why this provider needs no callback-URL token.
type IDPayGateway struct {
	apiKey  string
	sandbox bool
	baseURL string
	client  *http.Client
}

func NewIDPayGateway(apiKey string, sandbox bool) *IDPayGateway {
	return &IDPayGateway{
		apiKey:  apiKey,
		sandbox: sandbox,
		baseURL: "https://api.idpay.ir/v1.1",
		client:  &http.Client{},
	}
}

func (g *IDPayGateway) Name() string { return idpayName }

type idpayCreateResponse struct {
	ID   string `json:"id"`
	Link string `json:"link"`
}

type idpayVerifyResponse struct {
	Status  int    `json:"status"`
	TrackID int64  `json:"track_id"`
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount,string"`
	Payment struct {
		CardNo string `json:"card_no"`
	} `json:"payment"`
}

func (g *IDPayGateway) RequestPayment(ctx context.Context, amountMinor int64, currency, description, callbackURL, token string) (string, string, error) {
	requestData := map[string]interface{}{
		"order_id": token,
		"amount":   amountMinor,
		"desc":     description,
		"callback": callbackURL,
	}
	var response idpayCreateResponse
	if err := g.post(ctx, "/payment", requestData, &response); err != nil {
		return "", "", err
	}
	if response.ID == "" {
		return "", "", fmt.Errorf("idpay error: empty payment id")
	}
	return response.ID, response.Link, nil
}

// Normalize handles both the redirect query and the unsigned POST callback;
// IDPay sends the same field set (status, track_id, id, order_id, amount)
// either way.
func (g *IDPayGateway) Normalize(raw model.RawConfirmation) (*model.PaymentConfirmation, error) {
	params := raw.Params
	if len(raw.Body) > 0 {
		var body map[string]any
		if err := json.Unmarshal(raw.Body, &body); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedConfirmation, err)
		}
		params = make(map[string]string, len(body))
		for k, v := range body {
			params[k] = fmt.Sprintf("%v", v)
		}
	}
	id := params["id"]
	if id == "" {
		return nil, fmt.Errorf("%w: missing payment id", domain.ErrMalformedConfirmation)
	}
	amount := model.AmountUnreported
	if v, err := strconv.ParseInt(params["amount"], 10, 64); err == nil {
		amount = v
	}
	return &model.PaymentConfirmation{
		Provider:       idpayName,
		Channel:        raw.Channel,
		RawReference:   params["order_id"],
		ProviderTxnID:  id,
		ReportedAmount: amount,
		Payload: map[string]string{
			"status":   params["status"],
			"track_id": params["track_id"],
		},
	}, nil
}

// Verify: IDPay signs neither the redirect nor the callback, so only the
// polled channel (our own verify call) is authentic.
func (g *IDPayGateway) Verify(ctx context.Context, raw model.RawConfirmation, conf *model.PaymentConfirmation) bool {
	return raw.Channel == model.ChannelPolled
}

// PollStatus confirms the payment via IDPay's verify endpoint. Status 100 is
// verified now; 101 is verified on an earlier call.
func (g *IDPayGateway) PollStatus(ctx context.Context, providerTxnID string, expectedAmount int64) (*model.PaymentConfirmation, error) {
	requestData := map[string]interface{}{
		"id": providerTxnID,
	}
	var response idpayVerifyResponse
	if err := g.post(ctx, "/payment/verify", requestData, &response); err != nil {
		return nil, err
	}
	if response.Status != 100 && response.Status != 101 {
		return nil, fmt.Errorf("%w: idpay status %d", domain.ErrVerificationFailed, response.Status)
	}
	return &model.PaymentConfirmation{
		Provider:       idpayName,
		Channel:        model.ChannelPolled,
		RawReference:   response.OrderID,
		ProviderTxnID:  response.ID,
		ReportedAmount: response.Amount,
		Verified:       true,
		Payload: map[string]string{
			"track_id": strconv.FormatInt(response.TrackID, 10),
			"card_no":  response.Payment.CardNo,
		},
	}, nil
}

func (g *IDPayGateway) post(ctx context.Context, path string, payload map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request data: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", g.apiKey)
	if g.sandbox {
		req.Header.Set("X-SANDBOX", "1")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("idpay error: status %d, body: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w, body: %s", err, string(body))
	}
	return nil
}
