package common

import "testing"

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Meetstation De Bilt":   "meetstation-de-bilt",
		"  Lauwersoog   Haven ": "lauwersoog-haven",
		"Hoek van Holland/Pier": "hoek-van-holland-pier",
		"":                      "",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}
