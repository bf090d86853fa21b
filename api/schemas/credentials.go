package schemas

import (
	"fmt"
	"strings"
)

// LoginMethod is the way the monitored site is signed into.
type LoginMethod string

const (
	LoginEmail    LoginMethod = "email"
	LoginFacebook LoginMethod = "facebook"
	LoginGoogle   LoginMethod = "google"
	LoginApple    LoginMethod = "apple"
)

// ParseLoginMethod accepts the persisted spelling of a login method, case-insensitively.
func ParseLoginMethod(s string) (LoginMethod, error) {
	switch m := LoginMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case LoginEmail, LoginFacebook, LoginGoogle, LoginApple:
		return m, nil
	case "":
		return LoginEmail, nil
	}
	return "", fmt.Errorf("unsupported login method %q", s)
}

// Federated reports whether the method signs in through a provider popup.
func (m LoginMethod) Federated() bool {
	return m == LoginFacebook || m == LoginGoogle || m == LoginApple
}

// Credentials is the read-only login configuration delivered by getCredentials.
type Credentials struct {
	Method    LoginMethod `json:"loginMethod"`
	Email     string      `json:"email"`
	Password  string      `json:"password"`
	AutoLogin bool        `json:"autoLogin"`
}

// Redacted returns a copy safe to log.
func (c Credentials) Redacted() Credentials {
	if c.Password != "" {
		c.Password = "********"
	}
	return c
}
