package version_test

import (
	"encoding/json"
	"testing"

	"github.com/bdobrica/Taicho/common/version"
)

func TestCommitMatches(t *testing.T) {
	cases := []struct {
		name string
		a, b string
		want bool
	}{
		{"equal commits", "abc123", "abc123", true},
		{"different commits", "abc123", "def456", false},
		{"local unknown", "unknown", "def456", true},
		{"remote unknown", "abc123", "unknown", true},
		{"remote empty", "abc123", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := version.Fingerprint{GitCommit: tc.a}
			b := version.Fingerprint{GitCommit: tc.b}
			if got := a.CommitMatches(b); got != tc.want {
				t.Errorf("CommitMatches(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestFingerprintJSONFields(t *testing.T) {
	fp := version.Fingerprint{GitBranch: "main", GitCommit: "abc123", RuntimeVersion: "v1.2.3"}
	var m map[string]string
	if err := json.Unmarshal(fp.JSON(), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["git_branch"] != "main" || m["git_commit"] != "abc123" || m["runtime_version"] != "v1.2.3" {
		t.Errorf("unexpected JSON document: %v", m)
	}
}
