package web

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/infra/logging"
	"subscription-billing/internal/infra/metrics"
	"subscription-billing/internal/usecase"
)

const reconcileTimeout = 10 * time.Second

// handleRedirect is the browser return channel. Whatever happens inside the
// engine, the payer only ever sees the success/failure page; raw
// reconciliation errors never reach the browser.
func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), reconcileTimeout)
	defer cancel()

	q := r.URL.Query()
	provider := q.Get("provider")
	if provider == "" {
		metrics.RedirectRequests.WithLabelValues("unknown", "fail").Inc()
		s.renderResult(w, http.StatusBadRequest, false, "payment could not be verified, please contact support")
		return
	}

	params := make(map[string]string, len(q))
	for k := range q {
		params[k] = q.Get(k)
	}
	raw := model.RawConfirmation{
		Provider: provider,
		Channel:  model.ChannelRedirect,
		Params:   params,
	}

	res, err := s.reconcileUC.Reconcile(ctx, raw)
	if err != nil && res == nil {
		logging.With(ctx, s.log).Error().Str("provider", provider).Err(err).Msg("redirect reconcile failed")
		metrics.RedirectRequests.WithLabelValues(provider, "fail").Inc()
		s.renderResult(w, http.StatusOK, false, "payment could not be verified, please contact support")
		return
	}
	if res != nil && res.Intent != nil {
		ctx = logging.WithIntentID(logging.WithPayerRef(ctx, res.Intent.PayerRef), res.Intent.ID)
	}

	// An unverified redirect is expected for providers that sign nothing on
	// the way back; corroborate immediately through the authenticated
	// status-poll channel.
	if res != nil && res.Outcome == usecase.OutcomeAwaiting && res.Intent != nil {
		if polled, perr := s.reconcileUC.PollIntent(ctx, res.Intent.ID); perr == nil && polled != nil {
			res = polled
		} else if perr != nil {
			logging.With(ctx, s.log).Warn().Err(perr).Msg("post-redirect poll failed; leaving intent pending")
		}
	}

	switch {
	case res != nil && (res.Outcome == usecase.OutcomeActivated || res.Outcome == usecase.OutcomeReplay):
		metrics.RedirectRequests.WithLabelValues(provider, "ok").Inc()
		if q.Get("login") == "1" && res.Intent != nil {
			s.establishSession(w, res.Intent)
		}
		s.renderResult(w, http.StatusOK, true, "payment verified. your purchase is now active.")
	default:
		metrics.RedirectRequests.WithLabelValues(provider, "fail").Inc()
		s.renderResult(w, http.StatusOK, false, "payment could not be verified yet. if you were charged, it will be reconciled shortly.")
	}
}

// handleWebhook is the server-to-server channel. Dispositions the provider
// can do nothing about (orphans, failed signatures, replays) still return
// 200 so the provider stops retrying; only transient internal failures
// return 5xx to engage the provider's retry policy.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), reconcileTimeout)
	defer cancel()

	provider := chi.URLParam(r, "provider")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.WebhookRequests.WithLabelValues(provider, "fail", "bad_body").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	raw := model.RawConfirmation{
		Provider:  provider,
		Channel:   model.ChannelWebhook,
		Body:      body,
		Signature: r.Header.Get("X-Signature"),
	}

	res, err := s.reconcileUC.Reconcile(ctx, raw)
	switch {
	case err == nil:
		metrics.WebhookRequests.WithLabelValues(provider, "ok", "").Inc()
	case errors.Is(err, domain.ErrUnknownProvider):
		metrics.WebhookRequests.WithLabelValues(provider, "fail", "unknown_provider").Inc()
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	case errors.Is(err, domain.ErrMalformedConfirmation),
		errors.Is(err, domain.ErrAmountMismatch):
		// Redelivery cannot fix these; ack so the provider stops.
		metrics.WebhookRequests.WithLabelValues(provider, "ok", "").Inc()
	default:
		// Transient internal failure (db down, activation failed): the
		// provider's retry policy is part of our reconciliation story.
		metrics.WebhookRequests.WithLabelValues(provider, "fail", "internal").Inc()
		logging.With(ctx, s.log).Error().Str("provider", provider).Err(err).Msg("webhook reconcile failed; requesting provider retry")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	if res != nil {
		logging.With(ctx, s.log).Info().Str("provider", provider).Str("outcome", string(res.Outcome)).Msg("webhook processed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type initiatePlanRequest struct {
	PayerRef     string `json:"payer_ref"`
	PlanID       string `json:"plan_id"`
	BillingCycle string `json:"billing_cycle"`
	CouponCode   string `json:"coupon_code"`
	Provider     string `json:"provider"`
}

type initiateInvoiceRequest struct {
	PayerRef  string `json:"payer_ref"`
	InvoiceID string `json:"invoice_id"`
	Provider  string `json:"provider"`
}

type initiateResponse struct {
	IntentID string `json:"intent_id"`
	PayURL   string `json:"pay_url"`
}

func (s *Server) handleInitiatePlan(w http.ResponseWriter, r *http.Request) {
	var req initiatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	intent, payURL, err := s.intentUC.InitiatePlan(r.Context(), req.PayerRef, req.PlanID, req.BillingCycle, req.CouponCode, req.Provider)
	if err != nil {
		s.writeInitiateError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, initiateResponse{IntentID: intent.ID, PayURL: payURL})
}

func (s *Server) handleInitiateInvoice(w http.ResponseWriter, r *http.Request) {
	var req initiateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	intent, payURL, err := s.intentUC.InitiateInvoice(r.Context(), req.PayerRef, req.InvoiceID, req.Provider)
	if err != nil {
		s.writeInitiateError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, initiateResponse{IntentID: intent.ID, PayURL: payURL})
}

func (s *Server) writeInitiateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "target not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrUnknownProvider), errors.Is(err, domain.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Error().Err(err).Msg("initiate failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.intentUC.ListActivePlans(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if plans == nil {
		plans = []*model.SubscriptionPlan{}
	}
	s.writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	orphans, err := s.orphans.ListRecent(r.Context(), nil, limit)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if orphans == nil {
		orphans = []*model.OrphanConfirmation{}
	}
	s.writeJSON(w, http.StatusOK, orphans)
}

func (s *Server) handleRevenue(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "month"
	}
	total, err := s.intentUC.SumActivatedByPeriod(r.Context(), period)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"period": period, "total_minor": total})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

var resultPage = template.Must(template.New("result").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8" />
<meta name="viewport" content="width=device-width,initial-scale=1" />
<title>Payment {{if .OK}}Success{{else}}Result{{end}}</title>
<style>
body{font-family:system-ui,Arial,sans-serif;margin:2rem;}
.card{max-width:560px;border:1px solid #ddd;border-radius:12px;padding:24px;}
.ok{color:#057a55} .fail{color:#b00020}
</style>
</head>
<body>
<div class="card">
  <h2 class="{{if .OK}}ok{{else}}fail{{end}}">{{if .OK}}Payment Successful{{else}}Payment Processed{{end}}</h2>
  <p>{{.Msg}}</p>
</div>
</body>
</html>`))

func (s *Server) renderResult(w http.ResponseWriter, code int, ok bool, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	_ = resultPage.Execute(w, struct {
		OK  bool
		Msg string
	}{OK: ok, Msg: msg})
}
