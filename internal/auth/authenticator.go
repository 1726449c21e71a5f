package auth

import (
	"fmt"
	"time"
)

// Authenticator checks operator credentials and issues access tokens.
type Authenticator struct {
	operators map[string]Operator
	secret    string
	ttl       time.Duration

	// dummyHash is verified for unknown usernames so a miss costs the
	// same time as a wrong password.
	dummyHash string
}

// NewAuthenticator validates operators and returns an authenticator
// signing with secret.
func NewAuthenticator(operators []Operator, secret string, ttl time.Duration) (*Authenticator, error) {
	a := &Authenticator{
		operators: make(map[string]Operator, len(operators)),
		secret:    secret,
		ttl:       ttl,
	}
	for _, op := range operators {
		if !IsValidUsername(op.Username) {
			return nil, fmt.Errorf("%w: username %q", ErrInvalidOperator, op.Username)
		}
		if op.Role == "" {
			op.Role = RoleOperator
		}
		if !IsValidRole(op.Role) {
			return nil, fmt.Errorf("%w: %s: role %q", ErrInvalidOperator, op.Username, op.Role)
		}
		if err := ValidateHash(op.PasswordHash); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidOperator, op.Username, err)
		}
		if _, dup := a.operators[op.Username]; dup {
			return nil, fmt.Errorf("%w: duplicate username %q", ErrInvalidOperator, op.Username)
		}
		a.operators[op.Username] = op
	}

	dummy, err := HashPassword("irrigation-dummy-password")
	if err != nil {
		return nil, err
	}
	a.dummyHash = dummy
	return a, nil
}

// Login verifies username and password and returns a signed token and
// its expiry. Any mismatch returns ErrInvalidCredentials.
func (a *Authenticator) Login(username, password string) (string, time.Time, Role, error) {
	op, ok := a.operators[username]
	if !ok {
		VerifyPassword(password, a.dummyHash) //nolint:errcheck // timing only
		return "", time.Time{}, "", ErrInvalidCredentials
	}
	match, err := VerifyPassword(password, op.PasswordHash)
	if err != nil || !match {
		return "", time.Time{}, "", ErrInvalidCredentials
	}
	token, expires, err := GenerateAccessToken(op.Username, op.Role, a.secret, a.ttl)
	if err != nil {
		return "", time.Time{}, "", err
	}
	return token, expires, op.Role, nil
}

// Validate parses an access token signed by this authenticator.
func (a *Authenticator) Validate(token string) (*Claims, error) {
	return ParseToken(token, a.secret)
}
