package main

import (
	"testing"

	"github.com/kstaniek/go-deframe/internal/hub"
	"github.com/kstaniek/go-deframe/internal/logging"
)

func TestInitHub_Policy(t *testing.T) {
	cases := map[string]hub.BackpressurePolicy{
		"drop":  hub.PolicyDrop,
		"kick":  hub.PolicyKick,
		"bogus": hub.PolicyDrop,
	}
	for in, want := range cases {
		h := initHub(&appConfig{hubBuffer: 64, hubPolicy: in}, logging.Discard())
		if h.Policy != want {
			t.Fatalf("policy %q: got %v want %v", in, h.Policy, want)
		}
		if h.OutBufSize != 64 {
			t.Fatalf("buffer %d", h.OutBufSize)
		}
	}
}
