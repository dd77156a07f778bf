// Package identity is the boundary to the identity provider. It turns
// credentials into Transitions that the sync cache consumes as explicit
// input; it never holds session state itself.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"firebase.google.com/go/v4/auth"
)

var (
	// ErrNoToken means the request carried no usable bearer token.
	ErrNoToken = errors.New("no authorization token")

	// ErrDomainNotAllowed means the account's e-mail domain is not on the
	// allow-list. The identity is treated as absent.
	ErrDomainNotAllowed = errors.New("e-mail domain not allowed")

	// ErrEmailNotVerified means the identity is known but unverified.
	ErrEmailNotVerified = errors.New("e-mail address not verified")
)

// Transition is an identity change as seen by the cache. An empty Identity
// is the absent identity.
type Transition struct {
	Identity string
	Verified bool
}

// Absent is the transition for a signed-out session.
var Absent = Transition{}

// IsAbsent reports whether no identity is present.
func (t Transition) IsAbsent() bool {
	return t.Identity == ""
}

func (t Transition) String() string {
	if t.IsAbsent() {
		return "absent"
	}
	if t.Verified {
		return t.Identity + " (verified)"
	}
	return t.Identity + " (unverified)"
}

// Static returns a verified transition for id, used for local development
// against a file store.
func Static(id string) Transition {
	return Transition{Identity: id, Verified: id != ""}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrNoToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: invalid authorization header", ErrNoToken)
	}
	return strings.TrimSpace(token), nil
}

// DomainAllowed reports whether email belongs to one of domains. An empty
// allow-list admits every address.
func DomainAllowed(email string, domains []string) bool {
	if len(domains) == 0 {
		return true
	}
	_, domain, ok := strings.Cut(email, "@")
	if !ok || domain == "" {
		return false
	}
	for _, d := range domains {
		if strings.EqualFold(domain, d) {
			return true
		}
	}
	return false
}

// TokenVerifier is the subset of the Firebase auth client used here.
// *auth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
	GetUser(ctx context.Context, uid string) (*auth.UserRecord, error)
}

// Verifier turns a bearer token into a Transition.
type Verifier interface {
	Verify(ctx context.Context, idToken string) (Transition, error)
}

// FirebaseVerifier verifies Firebase ID tokens and applies the domain
// allow-list and e-mail verification gate.
type FirebaseVerifier struct {
	client         TokenVerifier
	allowedDomains []string
	logger         *log.Logger
}

// NewFirebaseVerifier creates a verifier. If logger is nil, a default
// logger writing to stderr is used.
func NewFirebaseVerifier(client TokenVerifier, allowedDomains []string, logger *log.Logger) *FirebaseVerifier {
	if logger == nil {
		logger = log.New(os.Stderr, "[identity] ", log.LstdFlags)
	}
	return &FirebaseVerifier{
		client:         client,
		allowedDomains: allowedDomains,
		logger:         logger,
	}
}

// Verify checks idToken. On success the returned transition carries the
// user's e-mail (or uid when the account has none) as identity.
//
// A token for a disallowed domain yields Absent with ErrDomainNotAllowed.
// An unverified address yields a present, unverified transition together
// with ErrEmailNotVerified so callers can report why access is withheld.
func (v *FirebaseVerifier) Verify(ctx context.Context, idToken string) (Transition, error) {
	if idToken == "" {
		return Absent, ErrNoToken
	}

	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return Absent, fmt.Errorf("failed to verify id token: %w", err)
	}

	user, err := v.client.GetUser(ctx, token.UID)
	if err != nil {
		return Absent, fmt.Errorf("failed to load user %s: %w", token.UID, err)
	}

	if !DomainAllowed(user.Email, v.allowedDomains) {
		v.logger.Printf("Rejected %s: domain not allowed", user.Email)
		return Absent, ErrDomainNotAllowed
	}

	id := user.Email
	if id == "" {
		id = user.UID
	}

	if !user.EmailVerified {
		return Transition{Identity: id}, ErrEmailNotVerified
	}
	return Transition{Identity: id, Verified: true}, nil
}

// StaticVerifier accepts any request as a fixed identity.
type StaticVerifier struct {
	Transition Transition
}

// Verify implements Verifier.
func (s StaticVerifier) Verify(context.Context, string) (Transition, error) {
	return s.Transition, nil
}
