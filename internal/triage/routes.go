// ABOUTME: Declarative routing table mapping message text to analysis destinations.
// ABOUTME: Explicit markers (#name, @name, to:name) beat bare-word matches; a default route backstops.

package triage

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoRoute means resolution found no matching route and no default exists.
var ErrNoRoute = errors.New("no matching route")

// Route is one named routing table entry. It selects where analysis happens
// and which expert agent runs it.
type Route struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases,omitempty"`

	// Stream hosts analysis discussion. Empty with Peer set means analysis
	// happens over a direct message instead.
	Stream string `yaml:"stream,omitempty"`
	// Topic pins analysis to a fixed topic. Empty means the case may get a
	// dedicated topic, subject to the account's topic mode.
	Topic string `yaml:"topic,omitempty"`
	// Peer is a DM recipient used when Stream is empty.
	Peer string `yaml:"peer,omitempty"`

	// Expert pins the analysis agent. ExpertPool selects one by case id
	// hash when Expert is empty.
	Expert     string   `yaml:"expert,omitempty"`
	ExpertPool []string `yaml:"expert_pool,omitempty"`

	// PostAs optionally names a configured account whose identity posts the
	// analysis output.
	PostAs string `yaml:"post_as,omitempty"`
}

// ExpertFor returns the expert agent for a case: the pinned expert if set,
// otherwise a stable hash-selected member of the pool.
func (r *Route) ExpertFor(caseID string) string {
	if r.Expert != "" || len(r.ExpertPool) == 0 {
		return r.Expert
	}
	var h uint32
	for _, b := range []byte(caseID) {
		h = h*31 + uint32(b)
	}
	return r.ExpertPool[h%uint32(len(r.ExpertPool))]
}

// routesFile is the on-disk YAML document.
type routesFile struct {
	Routes []Route `yaml:"routes"`
}

// Table resolves message text to a route.
type Table struct {
	routes      []Route
	byAlias     map[string]int // lower-cased name/alias -> index into routes
	defaultName string
}

var markerPattern = regexp.MustCompile(`(?i)(?:#|@|\bto:)([a-z0-9][a-z0-9_-]*)`)

// LoadTable reads a routing table from a YAML file.
func LoadTable(path, defaultRoute string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routes file: %w", err)
	}

	var doc routesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing routes file: %w", err)
	}

	return NewTable(doc.Routes, defaultRoute)
}

// NewTable builds a routing table from route entries. defaultRoute may be
// empty, in which case unmatched messages fail with ErrNoRoute.
func NewTable(routes []Route, defaultRoute string) (*Table, error) {
	t := &Table{
		routes:      routes,
		byAlias:     make(map[string]int),
		defaultName: strings.ToLower(defaultRoute),
	}

	for i, r := range routes {
		if r.Name == "" {
			return nil, fmt.Errorf("route %d has no name", i)
		}
		if r.Stream == "" && r.Peer == "" {
			return nil, fmt.Errorf("route %q needs a stream or a peer", r.Name)
		}
		for _, alias := range append([]string{r.Name}, r.Aliases...) {
			key := strings.ToLower(alias)
			if prev, dup := t.byAlias[key]; dup {
				return nil, fmt.Errorf("alias %q claimed by both %q and %q", alias, routes[prev].Name, r.Name)
			}
			t.byAlias[key] = i
		}
	}

	if t.defaultName != "" {
		if _, ok := t.byAlias[t.defaultName]; !ok {
			return nil, fmt.Errorf("default route %q not in table", defaultRoute)
		}
	}

	return t, nil
}

// Resolve picks a route for the given message text. Explicit markers
// (#name, @name, to:name) take precedence over a bare word match; the
// default route is the fallback.
func (t *Table) Resolve(text string) (*Route, error) {
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		if i, ok := t.byAlias[strings.ToLower(m[1])]; ok {
			return &t.routes[i], nil
		}
	}

	for _, word := range strings.Fields(text) {
		word = strings.ToLower(strings.Trim(word, ".,;:!?"))
		if i, ok := t.byAlias[word]; ok {
			return &t.routes[i], nil
		}
	}

	if t.defaultName != "" {
		i := t.byAlias[t.defaultName]
		return &t.routes[i], nil
	}
	return nil, ErrNoRoute
}

// Get returns a route by name or alias.
func (t *Table) Get(name string) (*Route, bool) {
	i, ok := t.byAlias[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return &t.routes[i], true
}
