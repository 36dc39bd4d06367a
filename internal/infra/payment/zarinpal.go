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

const zarinpalName = "zarinpal"

// Compile-time checks
var (
	_ adapter.GatewayAdapter = (*ZarinPalGateway)(nil)
	_ adapter.StatusPoller   = (*ZarinPalGateway)(nil)
)

// ZarinPalGateway integrates the ZarinPal IPG. The redirect carries no
// signature (only Authority/Status query params), so redirect confirmations
// normalize as unverified; the authenticated verify call (PollStatus) is
// what decides activation.
type ZarinPalGateway struct {
	merchantID string
	sandbox    bool
	baseURL    string
	client     *http.Client
}

func NewZarinPalGateway(merchantID string, sandbox bool) *ZarinPalGateway {
	baseURL := "https://payment.zarinpal.com/pg/v4/payment"
	if sandbox {
		baseURL = "https://sandbox.zarinpal.com/pg/v4/payment"
	}
	return &ZarinPalGateway{
		merchantID: merchantID,
		sandbox:    sandbox,
		baseURL:    baseURL,
		client:     &http.Client{},
	}
}

func (g *ZarinPalGateway) Name() string { return zarinpalName }

type zarinpalRequestResponse struct {
	Data struct {
		Code      int    `json:"code"`
		Message   string `json:"message"`
		Authority string `json:"authority"`
	} `json:"data"`
	Errors []interface{} `json:"errors"`
}

type zarinpalVerifyResponse struct {
	Data struct {
		Code     int    `json:"code"`
		RefID    int64  `json:"ref_id"`
		CardPan  string `json:"card_pan"`
		CardHash string `json:"card_hash"`
	} `json:"data"`
	Errors []interface{} `json:"errors"`
}

func (g *ZarinPalGateway) RequestPayment(ctx context.Context, amountMinor int64, currency, description, callbackURL, token string) (string, string, error) {
	requestData := map[string]interface{}{
		"merchant_id":  g.merchantID,
		"amount":       amountMinor,
		"currency":     currency,
		"callback_url": callbackURL,
		"description":  description,
		// ZarinPal echoes metadata nowhere useful; the token rides on the
		// callback URL instead.
	}

	var response zarinpalRequestResponse
	if err := g.post(ctx, "/request.json", requestData, &response); err != nil {
		return "", "", err
	}
	if response.Data.Code != 100 {
		return "", "", fmt.Errorf("zarinpal error: code %d, message: %s", response.Data.Code, response.Data.Message)
	}
	if len(response.Errors) > 0 {
		errorBytes, _ := json.Marshal(response.Errors)
		return "", "", fmt.Errorf("zarinpal errors: %s", string(errorBytes))
	}

	payURL := fmt.Sprintf("https://payment.zarinpal.com/pg/StartPay/%s", response.Data.Authority)
	if g.sandbox {
		payURL = fmt.Sprintf("https://sandbox.zarinpal.com/pg/StartPay/%s", response.Data.Authority)
	}
	return response.Data.Authority, payURL, nil
}

// Normalize handles the browser redirect: ?Authority=...&Status=OK plus the
// token we appended to the callback URL ourselves.
func (g *ZarinPalGateway) Normalize(raw model.RawConfirmation) (*model.PaymentConfirmation, error) {
	authority := raw.Params["Authority"]
	if authority == "" {
		return nil, fmt.Errorf("%w: missing Authority", domain.ErrMalformedConfirmation)
	}
	return &model.PaymentConfirmation{
		Provider:       zarinpalName,
		Channel:        raw.Channel,
		RawReference:   raw.Params["token"],
		ProviderTxnID:  authority,
		ReportedAmount: model.AmountUnreported,
		Payload: map[string]string{
			"status": raw.Params["Status"],
		},
	}, nil
}

// Verify is always false on the redirect channel: ZarinPal signs nothing on
// the way back, so a subsequent authenticated poll must corroborate.
func (g *ZarinPalGateway) Verify(ctx context.Context, raw model.RawConfirmation, conf *model.PaymentConfirmation) bool {
	return raw.Channel == model.ChannelPolled
}

// PollStatus verifies the payment against ZarinPal with merchant credentials.
// Code 100 means verified now, 101 means verified earlier (benign replay).
func (g *ZarinPalGateway) PollStatus(ctx context.Context, providerTxnID string, expectedAmount int64) (*model.PaymentConfirmation, error) {
	requestData := map[string]interface{}{
		"merchant_id": g.merchantID,
		"amount":      expectedAmount,
		"authority":   providerTxnID,
	}

	var response zarinpalVerifyResponse
	if err := g.post(ctx, "/verify.json", requestData, &response); err != nil {
		return nil, err
	}
	if response.Data.Code != 100 && response.Data.Code != 101 {
		return nil, fmt.Errorf("%w: zarinpal code %d", domain.ErrVerificationFailed, response.Data.Code)
	}

	return &model.PaymentConfirmation{
		Provider:       zarinpalName,
		Channel:        model.ChannelPolled,
		ProviderTxnID:  providerTxnID,
		ReportedAmount: expectedAmount, // the verify call fails on any other amount
		Verified:       true,
		Payload: map[string]string{
			"ref_id":   strconv.FormatInt(response.Data.RefID, 10),
			"card_pan": response.Data.CardPan,
		},
	}, nil
}

func (g *ZarinPalGateway) post(ctx context.Context, path string, payload map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request data: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w, body: %s", err, string(body))
	}
	return nil
}
