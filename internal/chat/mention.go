package chat

import (
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_]+)`)

// ResolveMentions returns the names referenced as @name in text that are
// either in active or equal to author. Client-supplied raw mentions are only
// candidates: they still have to appear in text and pass the same check.
// Unresolvable tokens are dropped. Order is first appearance, no duplicates.
func ResolveMentions(text string, raw []string, active map[string]struct{}, author string) []string {
	resolved := make([]string, 0)
	seen := make(map[string]struct{})

	consider := func(name string) {
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		if _, ok := active[name]; !ok && name != author {
			return
		}
		if !referenced(text, name) {
			return
		}
		seen[name] = struct{}{}
		resolved = append(resolved, name)
	}

	for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
		consider(match[1])
	}
	for _, name := range raw {
		consider(strings.TrimPrefix(strings.TrimSpace(name), "@"))
	}
	return resolved
}

// referenced reports whether text contains @name not followed by another
// name character.
func referenced(text, name string) bool {
	token := "@" + name
	for offset := 0; ; {
		i := strings.Index(text[offset:], token)
		if i < 0 {
			return false
		}
		end := offset + i + len(token)
		if end == len(text) || !isNameByte(text[end]) {
			return true
		}
		offset = offset + i + 1
	}
}

func isNameByte(b byte) bool {
	return b == '_' ||
		(b >= '0' && b <= '9') ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z')
}
