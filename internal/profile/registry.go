// Package profile stores per-user preferences: timezone, display name and
// theme.
package profile

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"remindbot/internal/domain"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Recognized profile fields for Upsert.
const (
	FieldTimezone    = "timezone"
	FieldDisplayName = "display_name"
	FieldTheme       = "theme"
)

const (
	maxDisplayName = 64
	maxTheme       = 32
)

// Registry reads and updates user profiles.
type Registry struct {
	store storage.Store
	log   logx.Logger

	mu   sync.Mutex
	locs map[string]*time.Location
}

func New(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, log: log, locs: map[string]*time.Location{}}
}

// Default is the profile of a user who never set anything.
func Default(userID int64) domain.Profile {
	return domain.Profile{UserID: userID, Timezone: domain.DefaultTimezone}
}

// Get returns the stored profile or the default one. The default is not
// persisted.
func (r *Registry) Get(ctx context.Context, userID int64) (domain.Profile, error) {
	var p domain.Profile
	err := r.store.View(ctx, func(tx storage.Tx) error {
		var err error
		p, err = tx.Profile(userID)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return Default(userID), nil
	}
	if err != nil {
		return domain.Profile{}, domain.WrapPersistence("get profile", err)
	}
	if p.Timezone == "" {
		p.Timezone = domain.DefaultTimezone
	}
	return p, nil
}

// Upsert applies fields to the user's profile, creating it if needed.
// Every key must be a recognized field; on any invalid key or value nothing
// is written.
func (r *Registry) Upsert(ctx context.Context, userID int64, fields map[string]string) (domain.Profile, error) {
	if len(fields) == 0 {
		return domain.Profile{}, domain.NewValidation("profile", "no fields to update")
	}
	// Deterministic error reporting when several keys are bad.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var apply []func(*domain.Profile)
	for _, k := range keys {
		v := strings.TrimSpace(fields[k])
		switch k {
		case FieldTimezone:
			loc, err := r.load(v)
			if err != nil {
				return domain.Profile{}, err
			}
			name := loc.String()
			apply = append(apply, func(p *domain.Profile) { p.Timezone = name })
		case FieldDisplayName:
			if utf8.RuneCountInString(v) > maxDisplayName {
				return domain.Profile{}, domain.NewValidation(k, "too long")
			}
			apply = append(apply, func(p *domain.Profile) { p.DisplayName = v })
		case FieldTheme:
			if utf8.RuneCountInString(v) > maxTheme {
				return domain.Profile{}, domain.NewValidation(k, "too long")
			}
			apply = append(apply, func(p *domain.Profile) { p.Theme = strings.ToLower(v) })
		default:
			return domain.Profile{}, domain.NewValidation(k, "unrecognized profile field")
		}
	}

	var out domain.Profile
	err := r.store.Update(ctx, func(tx storage.Tx) error {
		p, err := tx.Profile(userID)
		if errors.Is(err, storage.ErrNotFound) {
			p = Default(userID)
		} else if err != nil {
			return err
		}
		for _, fn := range apply {
			fn(&p)
		}
		out = p
		return tx.PutProfile(p)
	})
	if err != nil {
		return domain.Profile{}, domain.WrapPersistence("upsert profile", err)
	}
	r.log.Debug("profile updated", logx.Int64("user_id", userID), logx.Any("fields", keys))
	return out, nil
}

// Location returns the user's timezone as a *time.Location.
func (r *Registry) Location(ctx context.Context, userID int64) (*time.Location, error) {
	p, err := r.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	loc, err := r.load(p.Timezone)
	if err != nil {
		// A stored zone that no longer loads (tzdata drift) falls back to UTC.
		r.log.Warn("stored timezone invalid; using UTC", logx.Int64("user_id", userID), logx.String("tz", p.Timezone))
		return time.UTC, nil
	}
	return loc, nil
}

// load resolves an IANA zone name, caching successful lookups.
func (r *Registry) load(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.NewValidation(FieldTimezone, "empty")
	}
	if strings.EqualFold(name, "utc") {
		return time.UTC, nil
	}
	r.mu.Lock()
	loc, ok := r.locs[name]
	r.mu.Unlock()
	if ok {
		return loc, nil
	}
	// time.LoadLocation accepts "Local", which depends on the host.
	if name == "Local" {
		return nil, domain.NewValidation(FieldTimezone, "unknown timezone "+name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, domain.NewValidation(FieldTimezone, "unknown timezone "+name)
	}
	r.mu.Lock()
	r.locs[name] = loc
	r.mu.Unlock()
	return loc, nil
}
