// Package session keeps the login state, the current user and the dark-mode
// preference, mirrored to the kv persistence boundary.
package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gosuda/portal-chat/gemini-chat/kv"
)

var ErrNoPhone = errors.New("user has no phone number")

// User identifies the logged-in person by country code and number, e.g.
// "+919876543210".
type User struct {
	Phone string `json:"phone"`
}

// State is a snapshot of the controller. User is nil when logged out.
type State struct {
	LoggedIn bool  `json:"isLoggedIn"`
	User     *User `json:"user"`
	DarkMode bool  `json:"darkMode"`
}

// Controller moves between logged out and logged in. Dark mode is kept
// independently of the login state.
type Controller struct {
	kv kv.Store

	mu       sync.RWMutex
	user     *User
	darkMode bool
}

// New restores the session from s. A stored user means logged in.
func New(s kv.Store) (*Controller, error) {
	c := &Controller{kv: s}
	var u User
	found, err := kv.GetJSON(s, kv.KeyUser, &u)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if found && u.Phone != "" {
		c.user = &u
	}
	dark, ok, err := s.Get(kv.KeyDarkMode)
	if err != nil {
		return nil, fmt.Errorf("load dark mode: %w", err)
	}
	c.darkMode = ok && dark == "true"
	return c, nil
}

// Login records u as the current user and persists it.
func (c *Controller) Login(u User) error {
	u.Phone = strings.TrimSpace(u.Phone)
	if u.Phone == "" {
		return ErrNoPhone
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := kv.SetJSON(c.kv, kv.KeyUser, u); err != nil {
		return fmt.Errorf("persist user: %w", err)
	}
	c.user = &u
	return nil
}

// Logout removes the user from persistence, then clears it. A failed
// removal leaves the session logged in.
func (c *Controller) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.kv.Remove(kv.KeyUser); err != nil {
		return fmt.Errorf("remove user: %w", err)
	}
	c.user = nil
	return nil
}

// SetDarkMode stores the preference.
func (c *Controller) SetDarkMode(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setDarkMode(on)
}

// ToggleDarkMode flips the preference and returns the new value.
func (c *Controller) ToggleDarkMode() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	on := !c.darkMode
	if err := c.setDarkMode(on); err != nil {
		return c.darkMode, err
	}
	return on, nil
}

func (c *Controller) setDarkMode(on bool) error {
	if err := c.kv.Set(kv.KeyDarkMode, strconv.FormatBool(on)); err != nil {
		return fmt.Errorf("persist dark mode: %w", err)
	}
	c.darkMode = on
	return nil
}

// User returns the current user; ok is false when logged out.
func (c *Controller) User() (User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return User{}, false
	}
	return *c.user, true
}

func (c *Controller) LoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user != nil
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := State{LoggedIn: c.user != nil, DarkMode: c.darkMode}
	if c.user != nil {
		u := *c.user
		st.User = &u
	}
	return st
}
