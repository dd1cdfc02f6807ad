package brief

import (
	"errors"
	"testing"
)

func TestAccessPolicy(t *testing.T) {
	g := func(id string) Scope { return Scope{Kind: KindGroup, ID: id} }

	tests := []struct {
		name  string
		mode  string
		ids   []string
		scope Scope
		want  bool
	}{
		{"blacklist empty allows", "blacklist", nil, g("1"), true},
		{"whitelist empty allows", "whitelist", nil, g("1"), true},
		{"blacklist listed denied", "blacklist", []string{"1"}, g("1"), false},
		{"blacklist unlisted allowed", "blacklist", []string{"1"}, g("2"), true},
		{"whitelist listed allowed", "whitelist", []string{"1"}, g("1"), true},
		{"whitelist unlisted denied", "whitelist", []string{"1"}, g("2"), false},
		{"all clears whitelist", "whitelist", []string{"1", "all"}, g("2"), true},
		{"private scope by id", "whitelist", []string{"10001"}, Scope{Kind: KindUser, ID: "10001"}, true},
		{"empty mode is blacklist", "", []string{"1"}, g("1"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewAccessPolicy(tt.mode, tt.ids)
			if err != nil {
				t.Fatalf("NewAccessPolicy: %v", err)
			}
			if got := p.Allows(tt.scope); got != tt.want {
				t.Errorf("Allows = %v, want %v", got, tt.want)
			}
			if err := p.Check(tt.scope); (err == nil) != tt.want {
				t.Errorf("Check err = %v", err)
			} else if err != nil && !errors.Is(err, ErrAccessDenied) {
				t.Errorf("Check err = %v, want ErrAccessDenied", err)
			}
		})
	}
}

func TestNewAccessPolicy_UnknownMode(t *testing.T) {
	if _, err := NewAccessPolicy("greylist", nil); err == nil {
		t.Error("expected error for unknown mode")
	}
}
