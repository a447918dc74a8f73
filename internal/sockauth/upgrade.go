// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sockauth

import (
	"context"

	"grimm.is/sockd/internal/socksaddr"
)

// IdentClient performs the RFC931/ident lookup against a peer. It is a
// bounded synchronous external collaborator, same as dante's libwrap
// eval_user() call — implementations should respect ctx's deadline.
type IdentClient interface {
	Lookup(ctx context.Context, peer, local string) (name string, err error)
}

// UpgradeContext bundles everything the upgrade procedure may need to
// synthesize credentials for a candidate method, without it having to
// reach back into the session or socket directly.
type UpgradeContext struct {
	// ClientAuth is the auth already established during the earlier
	// client-rule negotiation, if any. The RFC931 case reuses its name
	// rather than doing a second ident lookup (SUPPLEMENTED FEATURES #2
	// in SPEC_FULL.md).
	ClientAuth *AuthState

	Ident IdentClient

	// Command distinguishes SOCKS_ACCEPT from later commands; GSSAPI may
	// only be upgraded to during ACCEPT (spec.md Open Questions).
	IsAcceptCommand bool

	Protocol socksaddr.Protocol

	PeerAddr, LocalAddr string
}

// Upgrade attempts to change current's method to one the rule accepts,
// trying the allowed global method vector in precedence order and
// synthesizing credentials from ctx where possible. It returns the
// possibly-mutated state and whether a checkable method was found; on
// false the caller should skip the rule rather than use the returned
// state, matching spec.md §4.4 step (f).
//
// Upgrade never lowers security: the returned method is either the
// unchanged input method, or one drawn from ruleMethods.
func Upgrade(ctx context.Context, current AuthState, globalMethods, ruleMethods []Method, uctx UpgradeContext) (AuthState, bool) {
	if MethodIsSet(current.Method, ruleMethods) {
		return current, true
	}

	for _, candidate := range globalMethods {
		if !MethodIsSet(candidate, ruleMethods) {
			continue
		}

		switch candidate {
		case None:
			out := current
			out.Method = None
			return out, true

		case RFC931:
			if uctx.Protocol != socksaddr.TCP {
				continue
			}
			if uctx.ClientAuth != nil && uctx.ClientAuth.Method == RFC931 && uctx.ClientAuth.RFC931.Name != "" {
				out := current
				out.Method = RFC931
				out.RFC931 = uctx.ClientAuth.RFC931
				return out, true
			}
			if uctx.Ident == nil {
				continue
			}
			name, err := uctx.Ident.Lookup(ctx, uctx.PeerAddr, uctx.LocalAddr)
			if err != nil || name == "" || name == StringUnknown {
				continue // not checkable; try the next method or rule.
			}
			out := current
			out.Method = RFC931
			out.RFC931 = RFC931Payload{Name: name}
			return out, true

		case PAM:
			switch current.Method {
			case Uname:
				return current.CopyPayloadFor(PAM), true
			case RFC931:
				return current.CopyPayloadFor(PAM), true
			case NotSet, None:
				out := current.CopyPayloadFor(PAM)
				return out, true
			default:
				continue
			}

		case BSDAuth:
			switch current.Method {
			case Uname, RFC931, NotSet, None:
				return current.CopyPayloadFor(BSDAuth), true
			default:
				continue
			}

		case GSSAPI:
			if !uctx.IsAcceptCommand {
				continue
			}
			if current.Method == GSSAPI {
				return current, true
			}
			continue

		case Uname:
			if current.Method == Uname {
				return current, true
			}
			continue
		}
	}

	return current, false
}

// ForceNoneForReply implements spec.md §4.4 step (f)'s special case: a
// BINDREPLY/UDPREPLY rule check is exempted from authentication unless
// srchost.checkreplyauth is set.
func ForceNoneForReply(current AuthState, checkReplyAuth bool) AuthState {
	if checkReplyAuth {
		return current
	}
	out := current
	out.Method = None
	return out
}
