// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sockauth implements the AuthMethod tagged union and the
// "upgrade" procedure described in spec.md's C3 and its §9 Design Notes:
// a pure function that tries progressively stronger authentication
// methods, synthesizing credentials from whatever the session already
// knows rather than mutating a union in place.
package sockauth

// Method is the AuthMethod tag.
type Method int

const (
	NotSet Method = iota
	None
	Uname
	RFC931
	PAM
	BSDAuth
	GSSAPI
)

func (m Method) String() string {
	switch m {
	case None:
		return "none"
	case Uname:
		return "uname"
	case RFC931:
		return "rfc931"
	case PAM:
		return "pam"
	case BSDAuth:
		return "bsdauth"
	case GSSAPI:
		return "gssapi"
	default:
		return "notset"
	}
}

// UnamePayload carries a plaintext username/password pair, as offered by
// a SOCKSv5 username/password negotiation.
type UnamePayload struct {
	Name     string
	Password string
}

// RFC931Payload carries the remote username an ident lookup returned.
// StringUnknown mirrors dante's libwrap STRING_UNKNOWN sentinel: the
// lookup ran but the peer's identd either didn't answer or answered
// "unknown".
type RFC931Payload struct {
	Name string
}

const StringUnknown = "unknown"

// PAMPayload carries username/password for the local PAM-equivalent
// backend; username may be empty for ip-only checks.
type PAMPayload struct {
	Name     string
	Password string
}

// BSDAuthPayload mirrors PAMPayload with an additional login style, as
// BSD auth(3) supports.
type BSDAuthPayload struct {
	Name     string
	Password string
	Style    string
}

// GSSAPIPayload carries the GSSAPI negotiation parameters a rule can
// require; the handshake itself is an external collaborator.
type GSSAPIPayload struct {
	ServiceName          string
	Keytab               string
	EncryptionNegotiated bool
}

// AuthState is the per-session authentication record: the current method
// tag plus whichever payload is valid for it. Unlike dante's C union,
// only one payload field is ever meaningful at a time, but all are kept
// so CopyPayloadFor can read the old one before switching tags.
type AuthState struct {
	Method  Method
	Uname   UnamePayload
	RFC931  RFC931Payload
	PAM     PAMPayload
	BSDAuth BSDAuthPayload
	GSSAPI  GSSAPIPayload
}

// CopyPayloadFor converts the current state's credentials into the
// payload the given method expects, in the lossy-but-well-defined way
// spec.md §4.3 describes. It never invents a password; it only relocates
// what is already known.
func (s AuthState) CopyPayloadFor(method Method) AuthState {
	out := s
	out.Method = method

	switch method {
	case PAM:
		switch s.Method {
		case Uname:
			out.PAM = PAMPayload{Name: s.Uname.Name, Password: s.Uname.Password}
		case RFC931:
			out.PAM = PAMPayload{Name: s.RFC931.Name}
		default:
			out.PAM = PAMPayload{}
		}
	case BSDAuth:
		switch s.Method {
		case Uname:
			out.BSDAuth = BSDAuthPayload{Name: s.Uname.Name, Password: s.Uname.Password}
		case RFC931:
			out.BSDAuth = BSDAuthPayload{Name: s.RFC931.Name}
		default:
			out.BSDAuth = BSDAuthPayload{}
		}
	}
	return out
}

// MethodIsSet reports whether method appears anywhere in list.
func MethodIsSet(method Method, list []Method) bool {
	for _, m := range list {
		if m == method {
			return true
		}
	}
	return false
}
