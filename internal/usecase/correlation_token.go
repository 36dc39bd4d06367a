package usecase

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
)

// Correlation tokens round-trip through providers that offer no metadata
// field: the token is the intent id, embedded in the callback URL at
// initiation and echoed back on redirect. Format (v1, underscore-delimited):
//
//	{kind}_{targetID}_{unixts}_{nonce}
//
// The nonce makes tokens unguessable enough that an unauthenticated redirect
// cannot be forged for someone else's intent, and disambiguates retries
// against the same target.
const tokenNonceLen = 8

type correlationToken struct {
	Kind     model.TargetKind
	TargetID string
	IssuedAt time.Time
	Nonce    string
}

func (t correlationToken) String() string {
	return fmt.Sprintf("%s_%s_%d_%s", t.Kind, t.TargetID, t.IssuedAt.Unix(), t.Nonce)
}

// newCorrelationToken mints a token for the given target. Target ids must not
// contain the delimiter; ids here are UUIDs or plain numerics, so this only
// trips on caller bugs.
func newCorrelationToken(target model.Target, now time.Time) (correlationToken, error) {
	if !target.Valid() {
		return correlationToken{}, domain.ErrInvalidArgument
	}
	if strings.Contains(target.ID(), "_") {
		return correlationToken{}, fmt.Errorf("%w: target id %q contains delimiter", domain.ErrInvalidArgument, target.ID())
	}
	nonce := strings.ToLower(ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String())
	return correlationToken{
		Kind:     target.Kind,
		TargetID: target.ID(),
		IssuedAt: now,
		Nonce:    nonce[len(nonce)-tokenNonceLen:],
	}, nil
}

// parseCorrelationToken decodes and validates a token. Anything that does not
// match the exact shape fails with ErrNotFound semantics at the resolver:
// a tampered token must never resolve to an unrelated intent.
func parseCorrelationToken(s string) (*correlationToken, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: token has %d segments", domain.ErrMalformedConfirmation, len(parts))
	}
	kind := model.TargetKind(parts[0])
	if kind != model.TargetPlan && kind != model.TargetInvoice {
		return nil, fmt.Errorf("%w: unknown target kind %q", domain.ErrMalformedConfirmation, parts[0])
	}
	if parts[1] == "" {
		return nil, fmt.Errorf("%w: empty target id", domain.ErrMalformedConfirmation)
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || ts <= 0 {
		return nil, fmt.Errorf("%w: bad timestamp segment", domain.ErrMalformedConfirmation)
	}
	if len(parts[3]) != tokenNonceLen {
		return nil, fmt.Errorf("%w: bad nonce segment", domain.ErrMalformedConfirmation)
	}
	for _, r := range parts[3] {
		if (r < '0' || r > '9') && (r < 'a' || r > 'z') {
			return nil, fmt.Errorf("%w: bad nonce segment", domain.ErrMalformedConfirmation)
		}
	}
	return &correlationToken{Kind: kind, TargetID: parts[1], IssuedAt: time.Unix(ts, 0), Nonce: parts[3]}, nil
}
