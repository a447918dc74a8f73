// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sockauth

import (
	"sync"

	"golang.org/x/crypto/bcrypt"

	"grimm.is/sockd/internal/errors"
)

// AccessChecker performs the external "access_check" call spec.md §4.4
// step (h) describes: it validates the resolved method's credentials and
// returns whether they check out. Real PAM/LDAP/GSSAPI backends are out
// of scope per spec.md §1 ("we specify only when they are invoked and
// what they return"); sockd ships exactly one concrete implementation,
// PasswordBackend, so the call site is exercisable end to end.
type AccessChecker interface {
	Check(state AuthState) (ok bool, err error)
}

// LDAPBackend is the call-site contract for a rule's optional ldapgroup
// binding (spec.md §3's Rule.ldapgroup). No concrete client is vendored;
// see DESIGN.md for why.
type LDAPBackend interface {
	GroupsFor(username string) ([]string, error)
}

// PasswordBackend is sockd's one local AccessChecker: a bcrypt-hashed
// username/password store standing in for PAM/BSDAuth's ip-or-password
// checks, so the auth-upgrade path (PAM/BSDAuth cases in Upgrade) has a
// real backend to exercise in tests rather than only a stub.
type PasswordBackend struct {
	mu    sync.RWMutex
	hash  map[string]string // username -> bcrypt hash
}

// NewPasswordBackend creates an empty backend; load credentials with Set.
func NewPasswordBackend() *PasswordBackend {
	return &PasswordBackend{hash: make(map[string]string)}
}

// Set stores a bcrypt hash of password for username, replacing any
// existing entry.
func (b *PasswordBackend) Set(username, password string) error {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "hash password")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hash[username] = string(h)
	return nil
}

// Check implements AccessChecker. A PAM payload with no username is
// accepted unconditionally (the ip-only case dante's PAM module
// supports); a BSDAuth payload is checked identically, ignoring Style.
func (b *PasswordBackend) Check(state AuthState) (bool, error) {
	var name, password string
	switch state.Method {
	case PAM:
		name, password = state.PAM.Name, state.PAM.Password
	case BSDAuth:
		name, password = state.BSDAuth.Name, state.BSDAuth.Password
	case None:
		return true, nil
	default:
		return false, errors.Errorf(errors.KindValidation, "no local backend for method %s", state.Method)
	}

	if name == "" {
		return true, nil
	}

	b.mu.RLock()
	h, ok := b.hash[name]
	b.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(h), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}
