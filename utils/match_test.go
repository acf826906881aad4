package utils

import "testing"

func TestMatchPage(t *testing.T) {
	cases := []struct {
		path    string
		pattern string
		want    bool
	}{
		{"/anything", "*", true},
		{"/reports", "/reports", true},
		{"/reports", "/billing", false},
		{"/admin/users", "/admin/*", true},
		{"/admin/users/42/edit", "/admin/*", true},
		{"/administrator", "/admin/*", false},
		{"/docs/guide", "/docs/:slug", true},
		{"/docs/guide/extra", "/docs/:slug", false},
		{"/teams/9/members", "/teams/:id/members", true},
		{"/a/x/b", "/a/*/b", true},
		{"/a/x/y/b", "/a/*/b", false},
		{"/reports/", "/reports", false},
	}
	for _, tc := range cases {
		if got := MatchPage(tc.path, tc.pattern); got != tc.want {
			t.Errorf("MatchPage(%q, %q): expected %v, got %v", tc.path, tc.pattern, got, tc.want)
		}
	}
}
