// Package session holds the per-user state that outlives a single screen:
// who is signed in, their profile, the cached credentials used to resume on
// the next launch, and the teardown hooks of everything bound to the session.
//
// A Context is created explicitly and passed to the components that need it.
// Nothing in this package is global.
package session

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rubiojr/tripguide/pkg/logger"
	"github.com/rubiojr/tripguide/pkg/store"
	"github.com/rubiojr/tripguide/pkg/validate"
)

// ErrClosed is returned by operations on a closed Context.
var ErrClosed = errors.New("session closed")

var log = logger.Named("session")

// Profile is the user's editable profile.
type Profile struct {
	DisplayName string `json:"displayName"`
}

// Context is one user session.
type Context struct {
	id       string
	profiles *store.Bucket

	mu        sync.Mutex
	userID    string
	profile   Profile
	authSubs  []func(userID string)
	closers   []func() error
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Context.
type Option func(*Context)

// WithProfiles persists profiles in b, keyed by user id.
func WithProfiles(b *store.Bucket) Option {
	return func(c *Context) { c.profiles = b }
}

// WithUser starts the session signed in as userID.
func WithUser(userID string) Option {
	return func(c *Context) { c.userID = strings.TrimSpace(userID) }
}

// New creates a session with a fresh id.
func New(opts ...Option) *Context {
	c := &Context{id: uuid.NewString()}
	for _, o := range opts {
		o(c)
	}
	if c.userID != "" {
		c.profile = c.loadProfile(c.userID)
	}
	log.Debug("session %s created user=%q", c.id, c.userID)
	return c
}

// ID identifies this session.
func (c *Context) ID() string { return c.id }

// UserID returns the signed in user, or "".
func (c *Context) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SignedIn reports whether a user id is set.
func (c *Context) SignedIn() bool { return c.UserID() != "" }

// SetUser handles an auth state change. An empty id signs out. Listeners
// run only when the id actually changes.
func (c *Context) SetUser(userID string) error {
	userID = strings.TrimSpace(userID)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if userID == c.userID {
		c.mu.Unlock()
		return nil
	}
	c.userID = userID
	c.profile = Profile{}
	subs := slices.Clone(c.authSubs)
	c.mu.Unlock()

	if userID != "" {
		p := c.loadProfile(userID)
		c.mu.Lock()
		if c.userID == userID {
			c.profile = p
		}
		c.mu.Unlock()
	}
	log.Info("auth state changed: signed in=%v", userID != "")
	for _, fn := range subs {
		fn(userID)
	}
	return nil
}

// OnAuthStateChanged registers fn for user changes.
func (c *Context) OnAuthStateChanged(fn func(userID string)) {
	c.mu.Lock()
	c.authSubs = append(c.authSubs, fn)
	c.mu.Unlock()
}

// Profile returns the current user's profile.
func (c *Context) Profile() Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// SetDisplayName validates and stores the display name of the current user.
func (c *Context) SetDisplayName(name string) (Profile, error) {
	name = strings.TrimSpace(name)
	if err := validate.NotBlank("displayName", name); err != nil {
		return Profile{}, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Profile{}, ErrClosed
	}
	if c.userID == "" {
		c.mu.Unlock()
		return Profile{}, validate.Failf("user", "not signed in")
	}
	c.profile.DisplayName = name
	p, uid := c.profile, c.userID
	c.mu.Unlock()

	if c.profiles != nil {
		blob, err := store.BlobOf(p)
		if err == nil {
			err = c.profiles.Merge(uid, blob)
		}
		if err != nil {
			log.Error("save profile: %v", err)
		}
	}
	return p, nil
}

func (c *Context) loadProfile(userID string) Profile {
	var p Profile
	if c.profiles == nil {
		return p
	}
	if blob, ok := c.profiles.Get(userID); ok {
		if err := blob.Decode(&p); err != nil {
			log.Error("profile for %s unreadable: %v", userID, err)
		}
	}
	return p
}

// OnClose registers fn to run at Close, in reverse registration order.
func (c *Context) OnClose(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		log.Error("OnClose after Close ignored")
		return
	}
	c.closers = append(c.closers, fn)
}

// Close tears the session down exactly once. Later calls return the first
// result.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		closers := c.closers
		c.closers = nil
		c.authSubs = nil
		c.mu.Unlock()

		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
		log.Debug("session %s closed", c.id)
	})
	return c.closeErr
}
