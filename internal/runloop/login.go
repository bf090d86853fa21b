// internal/runloop/login.go
package runloop

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/channel"
	"github.com/xkilldash9x/autotap/internal/poll"
	"github.com/xkilldash9x/autotap/internal/popupauth"
)

// loggedIn evaluates the logged-in predicate on the page. A site without a logged-in
// marker is treated as always signed in.
func (r *RunLoop) loggedIn(ctx context.Context) (bool, error) {
	sel := r.Site.Selector(schemas.RoleLoggedIn)
	if sel == "" {
		return true, nil
	}
	return r.Page.Exists(ctx, sel)
}

// credentials asks the background for the persisted login settings.
func (r *RunLoop) credentials(ctx context.Context) (schemas.Credentials, error) {
	resp := r.Sender.Send(ctx, channel.Tab(r.TabID), channel.Background, schemas.GetCredentials{})
	if !resp.Success {
		return schemas.Credentials{}, schemas.NewTypedError(resp.ErrorType, fmt.Errorf("getCredentials: %s", resp.Error))
	}
	creds, ok := schemas.DataAs[schemas.Credentials](resp)
	if !ok {
		return schemas.Credentials{}, schemas.NewTypedError(schemas.ErrorTypeInvalidMessage, errors.New("getCredentials: unexpected payload"))
	}
	return creds, nil
}

// login signs in with the configured method.
func (r *RunLoop) login(ctx context.Context) (err error) {
	creds, err := r.credentials(ctx)
	if err != nil {
		return err
	}
	if !creds.AutoLogin {
		return fmt.Errorf("%w: auto-login is disabled", ErrConfigurationMissing)
	}
	method := creds.Method
	if method == "" {
		method = schemas.LoginEmail
	}
	if method == schemas.LoginEmail && (creds.Email == "" || creds.Password == "") {
		return fmt.Errorf("%w: email login needs both email and password", ErrConfigurationMissing)
	}

	log := r.logger.With(zap.String("login_method", string(method)))
	log.Info("Logged out; signing in.")
	defer func() {
		if r.Metrics != nil {
			r.Metrics.ObserveLogin(string(method), err)
		}
	}()

	if method.Federated() {
		if r.Federated == nil {
			return fmt.Errorf("%w: no federated login driver for %s", ErrConfigurationMissing, method)
		}
		return r.Federated.Login(ctx, method)
	}
	return r.emailLogin(ctx, creds)
}

// emailLogin fills and submits the site's own login form, then waits for the logged-in
// marker.
func (r *RunLoop) emailLogin(ctx context.Context, creds schemas.Credentials) error {
	if sel := r.Site.Selector(schemas.RoleLoginEntry); sel != "" {
		shown, err := r.Page.Exists(ctx, sel)
		if err != nil {
			return fmt.Errorf("login entry check: %w", err)
		}
		if shown {
			if err := r.Page.Click(ctx, sel); err != nil {
				return fmt.Errorf("%w: %v", popupauth.ErrButtonNotFound, err)
			}
		}
	}

	fields := []struct {
		role  schemas.Role
		value string
	}{
		{schemas.RoleEmailInput, creds.Email},
		{schemas.RolePasswordInput, creds.Password},
	}
	for _, f := range fields {
		sel := r.Site.Selector(f.role)
		if sel == "" {
			return fmt.Errorf("%w: no selector configured for %s", ErrConfigurationMissing, f.role)
		}
		// Form inputs can render after the entry click.
		err := poll.Until(ctx, r.Auth.LoginPollInterval, r.Auth.LoginTimeoutFor(schemas.LoginEmail), func(ctx context.Context) (bool, error) {
			return r.Page.Exists(ctx, sel)
		})
		if err != nil {
			return fmt.Errorf("%w: %s: %v", popupauth.ErrButtonNotFound, f.role, err)
		}
		if err := r.Page.Fill(ctx, sel, f.value); err != nil {
			return fmt.Errorf("fill %s: %w", f.role, err)
		}
	}

	submit := r.Site.Selector(schemas.RoleLoginSubmit)
	if submit == "" {
		return fmt.Errorf("%w: no selector configured for %s", ErrConfigurationMissing, schemas.RoleLoginSubmit)
	}
	if err := r.Page.Click(ctx, submit); err != nil {
		return fmt.Errorf("%w: submit: %v", popupauth.ErrButtonNotFound, err)
	}

	timeout := r.Auth.LoginTimeoutFor(schemas.LoginEmail)
	err := poll.Until(ctx, r.Auth.LoginPollInterval, timeout, func(ctx context.Context) (bool, error) {
		ok, err := r.loggedIn(ctx)
		if err != nil {
			return false, nil
		}
		return ok, nil
	})
	if errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("%w after %s", popupauth.ErrLoginTimeout, timeout)
	}
	return err
}
