package version

import (
	"strings"
	"testing"
)

func TestFullInfoCarriesBuildMetadata(t *testing.T) {
	got := FullInfo()
	for _, want := range []string{"version=" + Version, "commit=" + Commit, "built_at=" + BuiltAt} {
		if !strings.Contains(got, want) {
			t.Fatalf("FullInfo() = %q, missing %q", got, want)
		}
	}
}
