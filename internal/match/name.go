package match

import (
	"strings"

	"github.com/sells-group/entity-resolver/internal/model"
	"github.com/sells-group/entity-resolver/internal/normalize"
)

// NamesEquivalent reports whether two person names refer to the same name:
// equal ignoring case and punctuation, or equal last names where one first
// name is the initial of the other ("J. Smith" and "John Smith").
func NamesEquivalent(a, b string) bool {
	ka, kb := normalize.NameKey(a), normalize.NameKey(b)
	if ka == "" || kb == "" {
		return false
	}
	if ka == kb {
		return true
	}

	fa, la := normalize.SplitName(ka)
	fb, lb := normalize.SplitName(kb)
	if la == "" || la != lb {
		return false
	}
	return isInitialOf(fa, fb) || isInitialOf(fb, fa)
}

func isInitialOf(initial, name string) bool {
	return len([]rune(initial)) == 1 && len([]rune(name)) > 1 && strings.HasPrefix(name, initial)
}

func fullName(obs *model.Normalized) string {
	if n := obs.Get(model.FieldFullName); n != "" {
		return n
	}
	return strings.TrimSpace(obs.Get(model.FieldFirstName) + " " + obs.Get(model.FieldLastName))
}

func entityName(e *model.Entity) string {
	if n := e.Value(model.FieldFullName); n != "" {
		return n
	}
	return strings.TrimSpace(e.Value(model.FieldFirstName) + " " + e.Value(model.FieldLastName))
}

func lastName(full, last string) string {
	if last != "" {
		return last
	}
	_, l := normalize.SplitName(full)
	return l
}
