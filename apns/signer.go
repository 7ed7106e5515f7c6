package apns

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sign produces an ES256 provider token for APNs. The header carries keyID
// as "kid", the claims carry teamID as "iss" and issuedAt as "iat".
func Sign(privateKeyPEM, keyID, teamID string, issuedAt time.Time) (string, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": teamID,
		"iat": issuedAt.Unix(),
	})
	token.Header["kid"] = keyID

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return signed, nil
}
