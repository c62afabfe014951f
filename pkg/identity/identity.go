// Package identity carries the user on whose behalf a question is answered.
// Row-level security in the budget database is keyed on the person id, which
// is resolved from the email when it is not known up front.
package identity

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

var DefaultScopes = []string{"budget:read", "budget:analyze"}

type Identity struct {
	UserID    string   `json:"user_id"`
	Email     string   `json:"email,omitempty"`
	PersonID  string   `json:"person_id,omitempty"`
	CompanyID string   `json:"company_id,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
}

func New(userID, email string) Identity {
	return Identity{
		UserID: strings.TrimSpace(userID),
		Email:  strings.TrimSpace(email),
		Scopes: append([]string(nil), DefaultScopes...),
	}
}

// HasPerson reports whether PersonID is set and is a valid UUID.
func (i Identity) HasPerson() bool {
	return ValidPersonID(i.PersonID)
}

func (i Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ValidPersonID reports whether id parses as a UUID.
func ValidPersonID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

type contextKey struct{}

func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
