package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := E(NotFound, "patient.get", errors.New("no rows"))
	wrapped := fmt.Errorf("gateway: %w", base)
	if got := KindOf(wrapped); got != NotFound {
		t.Fatalf("expected not_found, got %s", got)
	}
	if !errors.Is(wrapped, Target(NotFound)) {
		t.Fatal("errors.Is should match kind target")
	}
	if errors.Is(wrapped, Target(Conflict)) {
		t.Fatal("unexpected conflict match")
	}
}

func TestSentinelCarriesKind(t *testing.T) {
	errGone := Sentinel(NotFound, "gone")
	err := fmt.Errorf("lookup: %w", errGone)
	if !errors.Is(err, errGone) {
		t.Fatal("sentinel identity lost")
	}
	if !Is(err, NotFound) {
		t.Fatalf("expected not_found, got %s", KindOf(err))
	}
	if err.Error() != "lookup: gone" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestErrorMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{E(Persistence, "clinician.create", errors.New("boom")), "clinician.create: boom"},
		{E(Validation, "", errors.New("bad")), "bad"},
		{E(Authorization, "patients.read", nil), "patients.read: authorization"},
		{&Error{Kind: Conflict}, "conflict"},
	}
	for _, tc := range cases {
		if tc.err.Error() != tc.want {
			t.Fatalf("got %q, want %q", tc.err.Error(), tc.want)
		}
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("x")) != Unknown {
		t.Fatal("plain errors are unknown")
	}
	if KindOf(nil) != Unknown {
		t.Fatal("nil is unknown")
	}
}
