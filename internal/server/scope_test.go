package server

import "testing"

func TestMatchScope(t *testing.T) {
	cases := []struct {
		scope, path string
		want        bool
	}{
		{"*", "anything/at/all.md", true},
		{"skills/*", "skills/a/SKILL.md", true},
		{"skills/*", "skills", false},
		{"skills/*", "other/a.md", false},
		{"notes.md", "notes.md", true},
		{"notes.md", "notes2.md", false},
		{"notes.md", "dir/notes.md", false},
	}
	for _, c := range cases {
		if got := matchScope(c.scope, c.path); got != c.want {
			t.Errorf("matchScope(%q, %q) = %v, want %v", c.scope, c.path, got, c.want)
		}
	}
}
