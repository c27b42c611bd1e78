package wellknown

import "testing"

func TestUMAConfigurationURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://as.example", "https://as.example/.well-known/uma2-configuration"},
		{"https://as.example/", "https://as.example/.well-known/uma2-configuration"},
		{"https://as.example/realm", "https://as.example/realm/.well-known/uma2-configuration"},
		{"https://as.example/.well-known/uma2-configuration", "https://as.example/.well-known/uma2-configuration"},
	}
	for _, c := range cases {
		if got := UMAConfigurationURL(c.in); got != c.want {
			t.Errorf("UMAConfigurationURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestJoinPath(t *testing.T) {
	if got := JoinPath("https://op.example//", "/token"); got != "https://op.example/token" {
		t.Fatalf("JoinPath = %q", got)
	}
}
