package model

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// User is the signed-in identity as reported by the backend.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// userID is a user id sent as a string or a number.
type userID string

func (id *userID) UnmarshalJSON(data []byte) error {
	s, err := decodeID(data)
	if err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	*id = userID(s)
	return nil
}

// UnmarshalJSON accepts numeric or string ids, and the "_id" spelling some
// backend endpoints still return.
func (u *User) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    userID `json:"id"`
		OID   userID `json:"_id"`
		Email string `json:"email"`
		Name  string `json:"name"`
		Role  string `json:"role"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.ID = string(raw.ID)
	if u.ID == "" {
		u.ID = string(raw.OID)
	}
	u.Email, u.Name, u.Role = raw.Email, raw.Name, raw.Role
	return nil
}

// DisplayName returns the name, falling back to the email address.
func (u User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}

// Notification is a server-owned notification for one recipient.
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Priority  string          `json:"priority"`
	Data      json.RawMessage `json:"data,omitempty"`
	IsRead    bool            `json:"isRead"`
	IsDeleted bool            `json:"isDeleted"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Trainer is a saved quiz configuration as listed by the backend.
type Trainer struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	QuestionType ExamKind `json:"questionType"`
	TimeLimit    int      `json:"setCountdown"`
	Status       string   `json:"status"`
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

type cookiesCtxKey struct{}

// ContextWithCookies stores the cookies to forward to the backend.
func ContextWithCookies(ctx context.Context, cookies []*http.Cookie) context.Context {
	return context.WithValue(ctx, cookiesCtxKey{}, cookies)
}

// CookiesFromContext returns the forwarded cookies, or nil.
func CookiesFromContext(ctx context.Context) []*http.Cookie {
	c, _ := ctx.Value(cookiesCtxKey{}).([]*http.Cookie)
	return c
}

type csrfCtxKey struct{}

// ContextWithCSRFToken stores the CSRF token in context.
func ContextWithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfCtxKey{}, token)
}

// CSRFTokenFromContext retrieves the CSRF token from context.
func CSRFTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(csrfCtxKey{}).(string)
	return t
}
