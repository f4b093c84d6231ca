package prompts

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog holds every revision of every prompt, keyed by ID.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string][]*Template // kept sorted by Revision
}

var (
	defaultCatalog     *Catalog
	defaultCatalogOnce sync.Once
)

// Default returns the process-wide catalog the memory prompts register into.
func Default() *Catalog {
	defaultCatalogOnce.Do(func() {
		defaultCatalog = NewCatalog()
	})
	return defaultCatalog
}

func NewCatalog() *Catalog {
	return &Catalog{templates: make(map[string][]*Template)}
}

// Add registers t. Adding a revision that already exists replaces it.
func (c *Catalog) Add(t *Template) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("prompt template needs an id")
	}
	if t.Revision < 1 {
		return fmt.Errorf("prompt %s: revision must be positive, got %d", t.ID, t.Revision)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	revs := c.templates[t.ID]
	i := sort.Search(len(revs), func(i int) bool { return revs[i].Revision >= t.Revision })
	if i < len(revs) && revs[i].Revision == t.Revision {
		revs[i] = t
		return nil
	}
	revs = append(revs, nil)
	copy(revs[i+1:], revs[i:])
	revs[i] = t
	c.templates[t.ID] = revs
	return nil
}

// mustAdd is used by the built-in prompt tables.
func (c *Catalog) mustAdd(t *Template) {
	if err := c.Add(t); err != nil {
		panic(err)
	}
}

// Revision looks up one exact revision.
func (c *Catalog) Revision(id string, rev int) (*Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, t := range c.templates[id] {
		if t.Revision == rev {
			return t, nil
		}
	}
	return nil, fmt.Errorf("prompt %s revision %d not found", id, rev)
}

// Current returns the newest revision that is not retired, or the newest
// revision when all of them are.
func (c *Catalog) Current(id string) (*Template, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	revs := c.templates[id]
	if len(revs) == 0 {
		return nil, fmt.Errorf("prompt not found: %s", id)
	}
	for i := len(revs) - 1; i >= 0; i-- {
		if !revs[i].Retired {
			return revs[i], nil
		}
	}
	return revs[len(revs)-1], nil
}

// IDs returns the registered prompt IDs, sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.templates))
	for id := range c.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Revisions returns the known revisions of id in ascending order.
func (c *Catalog) Revisions(id string) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	revs := c.templates[id]
	out := make([]int, len(revs))
	for i, t := range revs {
		out[i] = t.Revision
	}
	return out
}

// Render executes the current revision of id with vars.
func (c *Catalog) Render(id string, vars map[string]string) (string, error) {
	t, err := c.Current(id)
	if err != nil {
		return "", err
	}
	return t.Execute(vars)
}

// Render executes the current revision of id from the default catalog.
func Render(id string, vars map[string]string) (string, error) {
	return Default().Render(id, vars)
}
