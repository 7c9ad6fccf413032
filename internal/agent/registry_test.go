package agent

import "testing"

func TestBusNameSanitizesUsername(t *testing.T) {
	cases := map[string]string{
		"alice":      "com.familyguardian.Agent-alice",
		"bob.smith":  "com.familyguardian.Agent-bob_smith",
		"weird user": "com.familyguardian.Agent-weird_user",
	}
	for in, want := range cases {
		if got := busName(in); got != want {
			t.Errorf("busName(%q) = %q, want %q", in, got, want)
		}
	}
}
