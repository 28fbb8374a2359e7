package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const tokenAudience = "cardsync"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// learnerGrant is what a verified token allows: one learner's data, through
// one device (Subject), for a set of scopes.
type learnerGrant struct {
	LearnerID string
	Subject   string
	Scopes    scopeSet
	ExpiresAt time.Time
}

// permits reports whether the grant covers requiredScope on learnerID's
// records. An empty learnerID or scope is not checked.
func (g learnerGrant) permits(learnerID, requiredScope string) *authError {
	if learnerID != "" && g.LearnerID != learnerID {
		return forbidden("learner mismatch")
	}
	if requiredScope != "" && !g.Scopes.has(requiredScope) {
		return forbidden("missing required scope: " + requiredScope)
	}
	return nil
}

// scopeSet decodes either a JSON array of scopes or one space-separated
// string.
type scopeSet map[string]struct{}

func (s *scopeSet) UnmarshalJSON(data []byte) error {
	set := scopeSet{}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		var joined string
		if err := json.Unmarshal(data, &joined); err != nil {
			return err
		}
		list = strings.Fields(joined)
	}
	for _, scope := range list {
		if scope != "" {
			set[scope] = struct{}{}
		}
	}
	*s = set
	return nil
}

func (s scopeSet) has(scope string) bool {
	_, ok := s[scope]
	return ok
}

type learnerClaims struct {
	LearnerID string      `json:"learner_id"`
	Subject   string      `json:"sub"`
	Audience  string      `json:"aud"`
	Expiry    json.Number `json:"exp"`
	Scopes    scopeSet    `json:"scopes"`
}

func (c learnerClaims) expiresAt() (time.Time, bool) {
	if sec, err := c.Expiry.Int64(); err == nil {
		return time.Unix(sec, 0), true
	}
	if sec, err := c.Expiry.Float64(); err == nil {
		return time.Unix(int64(sec), 0), true
	}
	return time.Time{}, false
}

// verifyToken checks an HS256 bearer token against secret and returns the
// learner grant it carries.
func verifyToken(authHeader, secret string, now time.Time) (learnerGrant, *authError) {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return learnerGrant{}, unauthorized("missing or invalid bearer token")
	}
	header, payload, signature, ok := splitToken(strings.TrimSpace(token))
	if !ok {
		return learnerGrant{}, unauthorized("invalid jwt format")
	}
	if authErr := checkAlgorithm(header); authErr != nil {
		return learnerGrant{}, authErr
	}
	if authErr := checkSignature(header+"."+payload, signature, secret); authErr != nil {
		return learnerGrant{}, authErr
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return learnerGrant{}, unauthorized("invalid jwt payload")
	}
	var claims learnerClaims
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&claims); err != nil {
		return learnerGrant{}, unauthorized("invalid jwt payload")
	}
	return claims.grant(now)
}

func (c learnerClaims) grant(now time.Time) (learnerGrant, *authError) {
	if c.LearnerID == "" {
		return learnerGrant{}, unauthorized("missing learner_id claim")
	}
	expiresAt, ok := c.expiresAt()
	if !ok {
		return learnerGrant{}, unauthorized("invalid exp claim")
	}
	if !now.Before(expiresAt) {
		return learnerGrant{}, unauthorized("token expired")
	}
	if c.Audience != tokenAudience {
		return learnerGrant{}, unauthorized("invalid aud claim")
	}
	if len(c.Scopes) == 0 {
		return learnerGrant{}, forbidden("no scopes granted")
	}
	return learnerGrant{
		LearnerID: c.LearnerID,
		Subject:   c.Subject,
		Scopes:    c.Scopes,
		ExpiresAt: expiresAt,
	}, nil
}

func splitToken(token string) (header, payload, signature string, ok bool) {
	header, rest, ok := strings.Cut(token, ".")
	if !ok {
		return "", "", "", false
	}
	payload, signature, ok = strings.Cut(rest, ".")
	if !ok || strings.Contains(signature, ".") {
		return "", "", "", false
	}
	return header, payload, signature, true
}

func checkAlgorithm(encoded string) *authError {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return unauthorized("invalid jwt header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return unauthorized("unsupported jwt algorithm")
	}
	return nil
}

func checkSignature(signingInput, encoded, secret string) *authError {
	got, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return unauthorized("jwt signature mismatch")
	}
	return nil
}
