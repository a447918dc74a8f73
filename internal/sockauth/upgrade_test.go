// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sockauth

import (
	"context"
	"errors"
	"testing"

	"grimm.is/sockd/internal/socksaddr"
)

type stubIdent struct {
	name string
	err  error
}

func (s stubIdent) Lookup(context.Context, string, string) (string, error) {
	return s.name, s.err
}

func TestUpgrade_NeverLowersMethod(t *testing.T) {
	current := AuthState{Method: Uname, Uname: UnamePayload{Name: "alice", Password: "x"}}
	out, ok := Upgrade(context.Background(), current, []Method{None, Uname}, []Method{Uname}, UpgradeContext{})
	if !ok {
		t.Fatal("expected checkable")
	}
	if out.Method != Uname {
		t.Errorf("expected method to remain uname, got %v", out.Method)
	}
}

func TestUpgrade_RFC931ReusesClientAuth(t *testing.T) {
	clientAuth := AuthState{Method: RFC931, RFC931: RFC931Payload{Name: "alice"}}
	current := AuthState{Method: None}
	out, ok := Upgrade(context.Background(), current, []Method{RFC931}, []Method{RFC931},
		UpgradeContext{ClientAuth: &clientAuth, Protocol: socksaddr.TCP, Ident: stubIdent{err: errors.New("should not be called")}})
	if !ok {
		t.Fatal("expected checkable via reused client auth")
	}
	if out.Method != RFC931 || out.RFC931.Name != "alice" {
		t.Errorf("expected reused rfc931 name alice, got %+v", out)
	}
}

func TestUpgrade_RFC931UnknownIsSkippable(t *testing.T) {
	current := AuthState{Method: None}
	_, ok := Upgrade(context.Background(), current, []Method{RFC931}, []Method{RFC931},
		UpgradeContext{Protocol: socksaddr.TCP, Ident: stubIdent{name: StringUnknown}})
	if ok {
		t.Error("STRING_UNKNOWN ident result must not be checkable")
	}
}

func TestUpgrade_RFC931RequiresTCP(t *testing.T) {
	current := AuthState{Method: None}
	_, ok := Upgrade(context.Background(), current, []Method{RFC931}, []Method{RFC931},
		UpgradeContext{Protocol: socksaddr.UDP, Ident: stubIdent{name: "alice"}})
	if ok {
		t.Error("rfc931 upgrade must not be checkable over udp")
	}
}

func TestUpgrade_GSSAPIOnlyDuringAccept(t *testing.T) {
	current := AuthState{Method: None}
	_, ok := Upgrade(context.Background(), current, []Method{GSSAPI}, []Method{GSSAPI},
		UpgradeContext{IsAcceptCommand: false})
	if ok {
		t.Error("gssapi upgrade must not be checkable outside SOCKS_ACCEPT")
	}

	current2 := AuthState{Method: GSSAPI}
	out, ok := Upgrade(context.Background(), current2, []Method{GSSAPI}, []Method{GSSAPI},
		UpgradeContext{IsAcceptCommand: false})
	if !ok || out.Method != GSSAPI {
		t.Error("an already-established gssapi method should pass through unchanged even outside accept")
	}
}

func TestForceNoneForReply(t *testing.T) {
	s := AuthState{Method: PAM}
	out := ForceNoneForReply(s, false)
	if out.Method != None {
		t.Error("expected method forced to none when checkreplyauth is false")
	}
	out = ForceNoneForReply(s, true)
	if out.Method != PAM {
		t.Error("expected method unchanged when checkreplyauth is true")
	}
}

func TestPasswordBackend_IPOnlyWhenNoUsername(t *testing.T) {
	b := NewPasswordBackend()
	ok, err := b.Check(AuthState{Method: PAM, PAM: PAMPayload{}})
	if err != nil || !ok {
		t.Errorf("expected ip-only pam check to pass, got ok=%v err=%v", ok, err)
	}
}

func TestPasswordBackend_SetAndCheck(t *testing.T) {
	b := NewPasswordBackend()
	if err := b.Set("alice", "hunter2"); err != nil {
		t.Fatal(err)
	}

	ok, err := b.Check(AuthState{Method: PAM, PAM: PAMPayload{Name: "alice", Password: "hunter2"}})
	if err != nil || !ok {
		t.Errorf("expected correct password to check out, got ok=%v err=%v", ok, err)
	}

	ok, err = b.Check(AuthState{Method: PAM, PAM: PAMPayload{Name: "alice", Password: "wrong"}})
	if err != nil || ok {
		t.Errorf("expected wrong password to fail, got ok=%v err=%v", ok, err)
	}

	ok, err = b.Check(AuthState{Method: PAM, PAM: PAMPayload{Name: "bob", Password: "x"}})
	if err != nil || ok {
		t.Errorf("expected unknown user to fail without error, got ok=%v err=%v", ok, err)
	}
}
