// Package settings holds the persisted user settings shared across daemon restarts:
// credentials, webhook URL, auto-start flag and the last-run timestamp. Each key is
// read and written independently; there are no multi-key transactions.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/autotap/api/schemas"
)

// Key is a persisted setting name.
type Key string

const (
	KeyLoginMethod       Key = "login_method"
	KeyEmail             Key = "email"
	KeyPassword          Key = "password"
	KeyAutoLogin         Key = "auto_login"
	KeyWebhookURL        Key = "webhook_url"
	KeyAutoStart         Key = "auto_start"
	KeyMinRerunDelayHour Key = "min_rerun_delay_hours"
	KeyLastRunFinishedAt Key = "last_run_finished_at"
)

// Keys lists every known key.
func Keys() []Key {
	return []Key{
		KeyLoginMethod, KeyEmail, KeyPassword, KeyAutoLogin, KeyWebhookURL,
		KeyAutoStart, KeyMinRerunDelayHour, KeyLastRunFinishedAt,
	}
}

// ParseKey validates a user-supplied key name.
func ParseKey(s string) (Key, error) {
	k := Key(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Keys() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKey, s)
}

// ErrUnknownKey is returned by ParseKey.
var ErrUnknownKey = errors.New("unknown settings key")

// Store is an eventually-consistent key/value store.
type Store interface {
	// Get returns the value and whether the key was set.
	Get(ctx context.Context, key Key) (string, bool, error)
	Set(ctx context.Context, key Key, value string) error
	Close() error
}

// -- Typed accessors --

// Credentials reads the login settings. Missing keys yield zero values.
func Credentials(ctx context.Context, s Store) (schemas.Credentials, error) {
	var c schemas.Credentials
	method, _, err := s.Get(ctx, KeyLoginMethod)
	if err != nil {
		return c, fmt.Errorf("read %s: %w", KeyLoginMethod, err)
	}
	if c.Method, err = schemas.ParseLoginMethod(method); err != nil {
		return c, err
	}
	if c.Email, _, err = s.Get(ctx, KeyEmail); err != nil {
		return c, fmt.Errorf("read %s: %w", KeyEmail, err)
	}
	if c.Password, _, err = s.Get(ctx, KeyPassword); err != nil {
		return c, fmt.Errorf("read %s: %w", KeyPassword, err)
	}
	if c.AutoLogin, err = Bool(ctx, s, KeyAutoLogin, false); err != nil {
		return c, err
	}
	return c, nil
}

// Bool reads a boolean key, returning def when unset.
func Bool(ctx context.Context, s Store, key Key, def bool) (bool, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil {
		return def, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// MinRerunDelay reads min_rerun_delay_hours, returning def when unset.
func MinRerunDelay(ctx context.Context, s Store, def time.Duration) (time.Duration, error) {
	v, ok, err := s.Get(ctx, KeyMinRerunDelayHour)
	if err != nil {
		return def, fmt.Errorf("read %s: %w", KeyMinRerunDelayHour, err)
	}
	if !ok || v == "" {
		return def, nil
	}
	h, err := strconv.ParseFloat(v, 64)
	if err != nil || h < 0 {
		return def, fmt.Errorf("%s: invalid hours %q", KeyMinRerunDelayHour, v)
	}
	return time.Duration(h * float64(time.Hour)), nil
}

// LastRunFinished returns the persisted finish time of the previous run.
func LastRunFinished(ctx context.Context, s Store) (time.Time, bool, error) {
	v, ok, err := s.Get(ctx, KeyLastRunFinishedAt)
	if err != nil || !ok || v == "" {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%s: %w", KeyLastRunFinishedAt, err)
	}
	return t, true, nil
}

// Recorder adapts a Store to persist run finish times.
type Recorder struct {
	Store Store
}

// RecordRunFinished writes at as last_run_finished_at.
func (r Recorder) RecordRunFinished(ctx context.Context, at time.Time) error {
	return r.Store.Set(ctx, KeyLastRunFinishedAt, at.UTC().Format(time.RFC3339Nano))
}
