// Package matcher resolves observed index/sourcetype/source values to a
// known vendor/product identity through an ordered regex rule table.
//
// Rules come from two places: the static out-of-the-box product catalog,
// registered first, and dynamic rules extracted from every known product's
// narrowed search string. First match wins, so static rules always take
// precedence and dynamic rules tie-break by insertion order.
package matcher

import (
	"regexp"
	"sync"

	"github.com/siftsec/introspect/element"
)

// Rule maps one field pattern to a product identity.
type Rule struct {
	// Field is the row field the pattern tests: "index", "sourcetype" or
	// "source".
	Field string

	// Pattern matches the field value.
	Pattern *regexp.Regexp

	ProductID   string
	ProductName string
	VendorName  string
}

// Identity returns the rule's product identity.
func (r Rule) Identity() element.Identity {
	return element.Identity{
		ProductID:   r.ProductID,
		ProductName: r.ProductName,
		VendorName:  r.VendorName,
	}
}

// Table is the ordered rule registry.
type Table struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{}
}

// Add appends a rule. Registration order is match order.
func (t *Table) Add(r Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, r)
}

// AddLiteral compiles value as an anchored literal pattern for field.
func (t *Table) AddLiteral(field, value, productID, productName, vendorName string) {
	t.Add(Rule{
		Field:       field,
		Pattern:     regexp.MustCompile("^" + regexp.QuoteMeta(value) + "$"),
		ProductID:   productID,
		ProductName: productName,
		VendorName:  vendorName,
	})
}

// termLiteral pulls sourcetype="..." / source="..." literals out of a
// narrowed search string.
var termLiteral = regexp.MustCompile(`(sourcetype|source)="([^"]+)"`)

// AddFromTermSearch registers dynamic rules for a known product by
// extracting the field literals of its narrowed search string. Returns the
// number of rules added.
func (t *Table) AddFromTermSearch(termSearch string, identity element.Identity) int {
	added := 0
	for _, m := range termLiteral.FindAllStringSubmatch(termSearch, -1) {
		t.AddLiteral(m[1], m[2], identity.ProductID, identity.ProductName, identity.VendorName)
		added++
	}
	return added
}

// Match returns the identity of the first rule whose field value matches
// the row. The second return is false when no rule fires.
func (t *Table) Match(row element.Row) (element.Identity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.rules {
		value, ok := row[r.Field]
		if !ok || value == "" {
			continue
		}
		if r.Pattern.MatchString(value) {
			return r.Identity(), true
		}
	}
	return element.Identity{}, false
}

// Len returns the current rule count.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rules)
}

// Clear resets the table. Primarily useful for tests.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = nil
}
