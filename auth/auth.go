/*
Package auth verifies the tokens local pods present when they connect.

Pod tokens are JWTs issued by the platform's identity provider and signed
with a key published in its JWKS. The pod a token was issued to is taken from
its "pod_id" claim, falling back to the subject. Nothing the pod sends after
connecting can change it.
*/
package auth // import "github.com/whisthq/whist/backend/workspaces/auth"

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
)

// PodScope must be among a token's scopes for it to be accepted.
const PodScope = "pod:connect"

// Scopes is the value of a token's "scope" claim: a space separated list of
// words on the wire.
type Scopes []string

// UnmarshalJSON splits a space separated string into *scopes, overwriting
// whatever it held.
func (scopes *Scopes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*scopes = append((*scopes)[0:0], strings.Fields(s)...)
	return nil
}

// MarshalJSON joins scopes back into a space separated string.
func (scopes Scopes) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.Join(scopes, " "))
}

// Contains reports whether scope is one of scopes.
func (scopes Scopes) Contains(scope string) bool {
	return utils.StringSliceContains(scopes, scope)
}

// PodClaims are the claims of a pod token.
type PodClaims struct {
	jwt.RegisteredClaims

	PodID  string `json:"pod_id,omitempty"`
	Scopes Scopes `json:"scope,omitempty"`
}

// Pod returns the pod the token was issued to.
func (c *PodClaims) Pod() types.PodID {
	if c.PodID != "" {
		return types.PodID(c.PodID)
	}
	return types.PodID(c.Subject)
}

// Config locates the signing keys and names the expected audience and
// issuer.
type Config struct {
	JWKSURL  string
	Audience string
	Issuer   string
}

// Verifier checks pod tokens.
type Verifier struct {
	keyfunc  jwt.Keyfunc
	methods  []string
	audience string
	issuer   string
	jwks     *keyfunc.JWKS
}

// New fetches the JWKS at cfg.JWKSURL and returns a verifier that keeps it
// fresh in the background. Call Close to stop the refreshes.
func New(cfg Config) (*Verifier, error) {
	jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
		RefreshInterval: time.Hour,
		RefreshErrorHandler: func(err error) {
			logger.Errorf("Error refreshing JWKs: %s", err)
		},
		RefreshRateLimit:  5 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, utils.MakeError("error getting JWKs from %s: %s", cfg.JWKSURL, err)
	}
	logger.Infof("Successfully got JWKs from %s on startup.", cfg.JWKSURL)

	v := NewWithKeyfunc(jwks.Keyfunc, []string{"RS256", "ES256"}, cfg.Audience, cfg.Issuer)
	v.jwks = jwks
	return v, nil
}

// NewWithKeyfunc returns a verifier that resolves keys with kf and only
// accepts the given signing methods.
func NewWithKeyfunc(kf jwt.Keyfunc, methods []string, audience, issuer string) *Verifier {
	return &Verifier{
		keyfunc:  kf,
		methods:  methods,
		audience: audience,
		issuer:   issuer,
	}
}

// Verify parses a raw token, checks its signature and validity window, and
// checks that it was issued by the right issuer, for the right audience,
// with the pod scope, to some pod.
func (v *Verifier) Verify(tokenString string) (*PodClaims, error) {
	claims := new(PodClaims)
	if _, err := jwt.ParseWithClaims(tokenString, claims, v.keyfunc, jwt.WithValidMethods(v.methods)); err != nil {
		return nil, err
	}

	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return nil, jwt.NewValidationError(utils.Sprintf("bad audience %s", claims.Audience), jwt.ValidationErrorAudience)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, jwt.NewValidationError(utils.Sprintf("bad issuer %s", claims.Issuer), jwt.ValidationErrorIssuer)
	}
	if !claims.Scopes.Contains(PodScope) {
		return nil, utils.MakeError("token is missing the %s scope", PodScope)
	}
	if claims.Pod() == "" {
		return nil, utils.MakeError("token names no pod")
	}
	return claims, nil
}

// VerifyPodToken verifies token and returns the pod it was issued to.
func (v *Verifier) VerifyPodToken(ctx context.Context, token string) (types.PodID, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Pod(), nil
}

// Close stops the background JWKS refresh.
func (v *Verifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}
