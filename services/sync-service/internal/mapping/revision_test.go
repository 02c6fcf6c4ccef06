package mapping

import "testing"

func TestRevisionNewer(t *testing.T) {
	cases := []struct {
		name      string
		candidate string
		stored    string
		want      bool
	}{
		{"numeric newer", "6", "5", true},
		{"numeric older", "3", "5", false},
		{"numeric equal", "5", "5", false},
		{"numeric not lexical", "10", "9", true},
		{"timestamp newer", "2026-08-02T10:00:00Z", "2026-08-01T10:00:00Z", true},
		{"timestamp older", "2026-07-30T10:00:00Z", "2026-08-01T10:00:00Z", false},
		{"opaque equal", "etag-abc", "etag-abc", false},
		{"mixed falls back to string", "v10", "v9", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RevisionNewer(tc.candidate, tc.stored); got != tc.want {
				t.Fatalf("RevisionNewer(%q, %q) = %v, want %v", tc.candidate, tc.stored, got, tc.want)
			}
		})
	}
}
