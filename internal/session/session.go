// Package session guards the broker client behind a concurrency-safe
// re-authentication layer. Ordinary API callers share a read lock on the
// client handle; a re-login takes the exclusive lock, swaps in a brand-new
// client instance, and logs the old one out.
package session

import (
	"fmt"
	"log"
	"sync"

	"trading-agentv1/internal/model"
)

// Authenticator performs a fresh broker login. Implementations own credential
// handling (password, TOTP) and always return a new client instance.
type Authenticator interface {
	Login() (model.Broker, error)
}

// Session holds the current broker client and serializes re-authentication.
type Session struct {
	auth Authenticator

	mu     sync.RWMutex // guards client
	client model.Broker

	// reloginMu guards the in-flight relogin state. Concurrent ForceRelogin
	// callers coalesce onto a single login attempt and share its outcome.
	reloginMu   sync.Mutex
	inFlight    bool
	reloginDone chan struct{}
	reloginOK   bool

	// Optional metrics hook, called once per actual login attempt.
	OnRelogin func()
}

// New creates a Session around an already-authenticated client.
func New(auth Authenticator, client model.Broker) *Session {
	return &Session{auth: auth, client: client}
}

// GetClient returns the current client handle under a read lock.
func (s *Session) GetClient() model.Broker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// ForceRelogin performs a fresh login and swaps in the new client. When
// several goroutines detect an auth failure independently and call this
// concurrently, exactly one login happens; the rest wait for it and observe
// the refreshed client. Returns true if a valid client is installed.
func (s *Session) ForceRelogin() bool {
	s.reloginMu.Lock()
	if s.inFlight {
		done := s.reloginDone
		s.reloginMu.Unlock()
		<-done
		// The leader's outcome, published before close(done). The old
		// client stays installed on failure, so checking the handle here
		// would falsely report success.
		s.reloginMu.Lock()
		ok := s.reloginOK
		s.reloginMu.Unlock()
		return ok
	}
	s.inFlight = true
	s.reloginDone = make(chan struct{})
	done := s.reloginDone
	s.reloginMu.Unlock()

	ok := false
	defer func() {
		s.reloginMu.Lock()
		s.reloginOK = ok
		s.inFlight = false
		close(done)
		s.reloginMu.Unlock()
	}()

	if s.OnRelogin != nil {
		s.OnRelogin()
	}

	newClient, err := s.auth.Login()
	if err != nil {
		log.Printf("[session] relogin failed: %v", err)
		return false
	}

	s.mu.Lock()
	old := s.client
	s.client = newClient
	s.mu.Unlock()

	if old != nil {
		if err := old.Logout(); err != nil {
			log.Printf("[session] logout of replaced client failed: %v", err)
		}
	}
	log.Printf("[session] re-authenticated with fresh client")
	ok = true
	return true
}

// WithReauthRetry invokes call and, if the result classifies as an auth
// failure, re-authenticates once and retries once. A failure after the retry
// is surfaced to the caller rather than looping.
func (s *Session) WithReauthRetry(call func(client model.Broker) error) error {
	err := call(s.GetClient())
	if err == nil || !IsAuthFailure(err) {
		return err
	}

	if !s.ForceRelogin() {
		return fmt.Errorf("session: re-authentication failed after auth error: %w", err)
	}

	if err := call(s.GetClient()); err != nil {
		return fmt.Errorf("session: call failed after re-authentication: %w", err)
	}
	return nil
}
