package egress

import "testing"

func FuzzMatchesPrefix(f *testing.F) {
	f.Add("/llm/v1/complete", "/llm")
	f.Add("/llm.evil.com/steal", "/llm")
	f.Add("/llmx", "/llm")
	f.Add("", "")
	f.Add("/", "/")
	f.Add("/llm", "/llm")
	f.Add("/llm/", "/llm/")
	f.Add("/llm-extended", "/llm")

	f.Fuzz(func(t *testing.T, path, prefix string) {
		result := MatchesPrefix(path, prefix)

		// A match past the prefix length must sit on a segment boundary.
		if result && len(path) > len(prefix) && len(prefix) > 0 {
			if prefix[len(prefix)-1] != '/' && path[len(prefix)] != '/' {
				t.Errorf("MatchesPrefix(%q, %q) = true without segment boundary", path, prefix)
			}
		}
	})
}
