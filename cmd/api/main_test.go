package main

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestShutdownOrder(t *testing.T) {
	cases := []struct {
		name        string
		selfPosting bool
		want        []string
	}{
		{"database sink", false, []string{"http", "drain"}},
		{"http sink", true, []string{"drain", "http"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got []string
			stop := func(context.Context) error { got = append(got, "http"); return nil }
			drain := func(context.Context) error { got = append(got, "drain"); return nil }
			if err := shutdown(context.Background(), tc.selfPosting, stop, drain); err != nil {
				t.Fatalf("shutdown: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected order %v, got %v", tc.want, got)
			}
		})
	}
}

func TestShutdownReportsDrainError(t *testing.T) {
	pending := errors.New("pending")
	stopped := false
	stop := func(context.Context) error { stopped = true; return nil }
	drain := func(context.Context) error { return pending }

	err := shutdown(context.Background(), true, stop, drain)
	if !errors.Is(err, pending) {
		t.Fatalf("expected drain error, got %v", err)
	}
	if !stopped {
		t.Fatal("expected http server to stop after a failed drain")
	}
}
