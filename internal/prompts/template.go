package prompts

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrMissingVar is returned when a template is rendered without a value for
// one of its placeholders.
var ErrMissingVar = errors.New("missing template variable")

var placeholderRE = regexp.MustCompile(`\{\{([a-z_]+)\}\}`)

// Template is one revision of a prompt sent to the collaborator. Text uses
// {{name}} placeholders.
type Template struct {
	ID       string
	Revision int
	Text     string
	Purpose  string
	Retired  bool
}

// Vars lists the distinct placeholder names in Text, sorted.
func (t *Template) Vars() []string {
	seen := make(map[string]struct{})
	for _, m := range placeholderRE.FindAllStringSubmatch(t.Text, -1) {
		seen[m[1]] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute substitutes vars into Text in a single pass. Substituted values are
// never rescanned, so user text containing "{{...}}" survives untouched.
// Unknown keys in vars are ignored.
func (t *Template) Execute(vars map[string]string) (string, error) {
	var missing []string
	for _, name := range t.Vars() {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s r%d needs %s", ErrMissingVar, t.ID, t.Revision, strings.Join(missing, ", "))
	}

	return placeholderRE.ReplaceAllStringFunc(t.Text, func(tok string) string {
		return vars[tok[2:len(tok)-2]]
	}), nil
}
