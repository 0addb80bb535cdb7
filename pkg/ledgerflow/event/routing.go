package event

import "strings"

// MatchRoutingKey reports whether key matches a topic binding pattern.
// Words are separated by dots; "*" matches exactly one word and "#" matches
// zero or more words, as on an AMQP topic exchange.
func MatchRoutingKey(pattern, key string) bool {
	if pattern == key || pattern == "#" {
		return true
	}
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// matchesAny reports whether key matches at least one binding.
func matchesAny(bindings []string, key string) bool {
	for _, b := range bindings {
		if MatchRoutingKey(b, key) {
			return true
		}
	}
	return false
}
