package web

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"subscription-billing/internal/domain/model"
)

const sessionCookie = "payment_session"
const sessionTTL = 15 * time.Minute

// establishSession is the "log the payer in on payment success" side effect.
// It happens only at this boundary when the redirect asked for it, never
// inside the engine, and never for guest intents.
func (s *Server) establishSession(w http.ResponseWriter, intent *model.PaymentIntent) {
	if s.jwtSecret == "" || intent.PayerRef == model.GuestPayer {
		return
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":    intent.PayerRef,
		"intent": intent.ID,
		"iat":    now.Unix(),
		"exp":    now.Add(sessionTTL).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.jwtSecret))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to sign payment session token")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    signed,
		Path:     "/",
		Expires:  now.Add(sessionTTL),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ParseSessionToken validates a payment session token and returns the payer
// reference. Used by the surrounding application, exposed here so token
// format stays in one place.
func ParseSessionToken(secret, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", jwt.ErrTokenInvalidClaims
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return sub, nil
}
