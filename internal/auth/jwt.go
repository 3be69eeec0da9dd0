package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryFromToken reads the exp claim of a JWT without verifying its
// signature. The server is the authority on validity; the client only
// needs the expiry to schedule refreshes. Opaque tokens yield false.
func expiryFromToken(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
