package gamestate

import "github.com/worldsync/worldsync/types"

// HasComponent is an extractor that files every entity carrying the given
// component under a single key. Scan with KeyPresent to enumerate them.
func HasComponent(name types.ComponentName) IndexExtractor {
	return func(e types.Entity) (string, bool) {
		if _, ok := e[name]; ok {
			return KeyPresent, true
		}
		return "", false
	}
}

// KeyPresent is the key used by presence-style indexes.
const KeyPresent = "present"
