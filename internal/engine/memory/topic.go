package memory

import "strings"

// Match reports whether routingKey matches the topic pattern. Words are
// separated by dots; "*" matches exactly one word and "#" matches zero or
// more words.
func Match(pattern, routingKey string) bool {
	if pattern == routingKey || pattern == "#" {
		return true
	}
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(p, k []string) bool {
	for len(p) > 0 {
		switch p[0] {
		case "#":
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(k); i++ {
				if matchWords(p[1:], k[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(k) == 0 {
				return false
			}
		default:
			if len(k) == 0 || k[0] != p[0] {
				return false
			}
		}
		p, k = p[1:], k[1:]
	}
	return len(k) == 0
}
