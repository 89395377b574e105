package version

import (
	"strings"
	"testing"
)

func TestFullAndCacheToken(t *testing.T) {
	prevVersion, prevCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = prevVersion, prevCommit })

	Version, Commit = "1.2.3", "abc"
	if got := Full(); got != "bundle-hub 1.2.3 (abc)" {
		t.Fatalf("unexpected full version: %s", got)
	}
	first := CacheToken()
	Commit = "def"
	if CacheToken() == first || !strings.HasPrefix(CacheToken(), "1.2.3+") {
		t.Fatalf("commit change should alter cache token: %s", CacheToken())
	}
}
