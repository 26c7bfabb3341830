package identity

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"

	"pulse/models"
)

// Resolver maps an inbound request to exactly one actor: a verified user or
// an anonymous session. Token verification is delegated to the auth provider
// via a shared signing secret; this service never issues credentials.
type Resolver struct {
	secret []byte
}

func NewResolver(secret string) *Resolver {
	return &Resolver{secret: []byte(secret)}
}

// Resolve returns the actor for a bearer token and/or client session id. A
// verifiable user token always wins over a co-present session token. An
// invalid or expired token falls back to the anonymous session rather than
// rejecting the request, so public engagement endpoints survive token churn.
func (r *Resolver) Resolve(authorization, sessionID string) models.Actor {
	if token, found := strings.CutPrefix(authorization, "Bearer "); found && token != "" {
		if userID, err := r.verify(token); err == nil {
			return models.UserActor(userID)
		} else {
			log.WithFields(log.Fields{
				"error": err,
			}).Debug("Token verification failed, falling back to anonymous")
		}
	}
	return models.AnonymousActor(sessionID)
}

func (r *Resolver) verify(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return 0, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("invalid token claims")
	}

	sub, ok := claims["sub"].(float64)
	if !ok || sub <= 0 {
		return 0, fmt.Errorf("missing subject claim")
	}

	return int64(sub), nil
}

// Sign issues a token for a user id. Only used by tests and local tooling;
// production tokens come from the auth provider.
func (r *Resolver) Sign(userID int64) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
	})
	return token.SignedString(r.secret)
}
