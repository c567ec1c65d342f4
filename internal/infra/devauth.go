// README: Insecure token verifier for local runs without a Firebase project.
package infra

import (
	"context"
	"errors"
	"strings"
)

var ErrBadDevToken = errors.New("dev token must be uid[:phone[:role]]")

// DevVerifier trusts tokens of the form uid[:phone[:role]]. Never enable it
// outside local development.
type DevVerifier struct{}

func (DevVerifier) VerifyIDToken(_ context.Context, idToken string) (*FirebaseToken, error) {
	parts := strings.SplitN(idToken, ":", 3)
	if parts[0] == "" {
		return nil, ErrBadDevToken
	}
	claims := map[string]interface{}{}
	if len(parts) > 1 && parts[1] != "" {
		claims["phone_number"] = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		claims["role"] = parts[2]
	}
	return &FirebaseToken{UID: parts[0], Claims: claims}, nil
}
