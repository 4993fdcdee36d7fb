package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ggoodman/mcp-gateway-go/internal/jwtauth"
)

// OAuth 2.0 bearer error codes used in challenges and JSON bodies.
const (
	CodeUnauthorized      = "unauthorized"
	CodeInvalidToken      = "invalid_token"
	CodeInsufficientScope = "insufficient_scope"
	CodeAccessDenied      = "access_denied"
	CodeServerError       = "server_error"
)

// Failure is a rejected authentication attempt ready to be written as an
// HTTP response.
type Failure struct {
	Status      int
	Code        string
	Description string
	// Scope lists required scopes for insufficient_scope challenges.
	Scope string
	Err   error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Description, f.Err)
	}
	return f.Code + ": " + f.Description
}

func (f *Failure) Unwrap() error { return f.Err }

// Challenge renders the WWW-Authenticate value for f. Server errors carry no
// challenge and return "".
func (f *Failure) Challenge(resourceMetadata string) string {
	if f.Status == http.StatusInternalServerError {
		return ""
	}
	params := map[string]string{
		"error":             f.Code,
		"error_description": f.Description,
	}
	if f.Scope != "" {
		params["scope"] = f.Scope
	}
	return BuildBearerChallenge("", resourceMetadata, params)
}

// MissingAuthorization is returned when no Authorization header was sent.
func MissingAuthorization() *Failure {
	return &Failure{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Description: "Missing authorization header"}
}

// InvalidAuthorizationHeader covers non-bearer schemes and empty tokens.
func InvalidAuthorizationHeader() *Failure {
	return &Failure{Status: http.StatusUnauthorized, Code: CodeInvalidToken, Description: "Invalid authorization header"}
}

// PolicyDenied is returned when an authenticated request fails policy.
func PolicyDenied(err error) *Failure {
	return &Failure{Status: http.StatusForbidden, Code: CodeAccessDenied, Description: "Access denied by authorization policy", Err: err}
}

// Misconfigured wraps a provider resolution error.
func Misconfigured(err error) *Failure {
	return &Failure{Status: http.StatusInternalServerError, Code: CodeServerError, Description: "Authorization provider is misconfigured", Err: err}
}

// FailureFromError classifies a token validation error.
func FailureFromError(err error) *Failure {
	invalid := func(desc string) *Failure {
		return &Failure{Status: http.StatusUnauthorized, Code: CodeInvalidToken, Description: desc, Err: err}
	}

	var scopeErr *jwtauth.ScopeError
	switch {
	case errors.As(err, &scopeErr):
		return &Failure{
			Status:      http.StatusUnauthorized,
			Code:        CodeInsufficientScope,
			Description: "Token missing required scopes: " + strings.Join(scopeErr.Missing, ", "),
			Scope:       strings.Join(scopeErr.Missing, " "),
			Err:         err,
		}
	case errors.Is(err, jwtauth.ErrInsufficientScope):
		return &Failure{Status: http.StatusUnauthorized, Code: CodeInsufficientScope, Description: "Token missing required scopes", Err: err}
	case errors.Is(err, jwtauth.ErrUnsupportedAlgorithm):
		return invalid("Unsupported algorithm")
	case errors.Is(err, jwtauth.ErrMalformed):
		return invalid("Malformed token")
	case errors.Is(err, jwtauth.ErrExpired):
		return invalid("Token has expired")
	case errors.Is(err, jwtauth.ErrNotYetValid):
		return invalid("Token is not yet valid")
	case errors.Is(err, jwtauth.ErrBadSignature), errors.Is(err, jwtauth.ErrKeyNotFound):
		return invalid("Invalid signature")
	case errors.Is(err, jwtauth.ErrFetchFailed):
		return invalid("Unable to verify token")
	case errors.Is(err, jwtauth.ErrIssuerMismatch):
		return invalid("Invalid issuer")
	case errors.Is(err, jwtauth.ErrAudienceMismatch):
		return invalid("Invalid audience")
	case errors.Is(err, jwtauth.ErrMissingSubject):
		return invalid("Token has no subject")
	default:
		return invalid("Invalid token")
	}
}

// BuildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer error="...", error_description="...", scope="...", resource_metadata="..."
//
// Values are quoted with backslash escaping. Realm is omitted if empty.
func BuildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
