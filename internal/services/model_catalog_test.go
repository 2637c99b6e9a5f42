package services

import "testing"

func TestCatalogResolveFallbackChain(t *testing.T) {
	c := NewStaticCatalog()

	cases := []struct {
		name                          string
		explicit, msg, conv, userDflt string
		want                          string
	}{
		{"explicit wins", "gpt-5", "gpt-4o", "o3-mini", "gpt-4o-mini", "gpt-5"},
		{"message model next", "", "gpt-4o", "o3-mini", "gpt-4o-mini", "gpt-4o"},
		{"conversation default next", "", "", "o3-mini", "gpt-4o-mini", "o3-mini"},
		{"user default next", "", "", "", "gpt-5-mini", "gpt-5-mini"},
		{"catalog default last", "", "", "", "", "gpt-4o-mini"},
		{"unknown explicit falls through", "not-a-model", "gpt-4o", "", "", "gpt-4o"},
		{"whitespace ignored", "  ", " gpt-5 ", "", "", "gpt-5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Resolve(tc.explicit, tc.msg, tc.conv, tc.userDflt)
			if got != tc.want {
				t.Fatalf("Resolve = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCatalogSupports(t *testing.T) {
	c := NewStaticCatalog()
	if !c.Supports("gpt-4o") {
		t.Fatal("gpt-4o should be supported")
	}
	if c.Supports("gpt-9000") {
		t.Fatal("unknown model reported as supported")
	}
	if !c.Supports(c.Default()) {
		t.Fatal("default model must be supported")
	}
	if mi, ok := c.Info("o3-mini"); !ok || !mi.SupportsThinking {
		t.Fatalf("o3-mini info = %+v ok=%v", mi, ok)
	}
}
