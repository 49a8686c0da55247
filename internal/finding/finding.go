// Package finding turns the engine's scan data into injection summaries.
package finding

import (
	"encoding/json"
	"sort"
	"strconv"
	"sync"

	"github.com/0x6d61/sqlmapbatch/internal/sqlmapapi"
)

// Content type codes of the entries in /scan/{id}/data.
const (
	TypeTarget          = 0
	TypeTechniques      = 1
	TypeDBMSFingerprint = 2
	TypeBanner          = 3
	TypeDBS             = 12
	TypeTables          = 13
)

// Summary describes one injectable target.
type Summary struct {
	Target    string              `json:"target"`
	Parameter string              `json:"parameter"`
	Place     string              `json:"place"`
	Payload   string              `json:"payload"`
	DBMS      string              `json:"dbms,omitempty"`
	Databases []string            `json:"databases"`
	Tables    map[string][]string `json:"tables"`
}

// TableCount returns the number of tables across all databases.
func (s *Summary) TableCount() int {
	n := 0
	for _, t := range s.Tables {
		n += len(t)
	}
	return n
}

// SortedTableDBs returns the keys of Tables in a stable order: databases
// listed in Databases first, then any others alphabetically.
func (s *Summary) SortedTableDBs() []string {
	seen := make(map[string]bool, len(s.Tables))
	out := make([]string, 0, len(s.Tables))
	for _, db := range s.Databases {
		if _, ok := s.Tables[db]; ok && !seen[db] {
			out = append(out, db)
			seen[db] = true
		}
	}
	var rest []string
	for db := range s.Tables {
		if !seen[db] {
			rest = append(rest, db)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// injection is one element of a TECHNIQUES value.
type injection struct {
	Place     string                     `json:"place"`
	Parameter string                     `json:"parameter"`
	DBMS      json.RawMessage            `json:"dbms"`
	Payload   string                     `json:"payload"`
	Data      map[string]json.RawMessage `json:"data"`
}

type technique struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Extract builds a Summary for target from the engine's data entries. It
// reports false when no entry carries an injection point.
func Extract(target string, entries []sqlmapapi.DataEntry) (*Summary, bool) {
	var (
		sum      *Summary
		dbms     string
		dbs      []string
		tables   map[string][]string
		haveDBS  bool
		haveTabs bool
	)

	for _, e := range entries {
		switch e.Type {
		case TypeTechniques:
			if sum != nil {
				continue
			}
			if inj, ok := firstInjection(e.Value); ok {
				sum = &Summary{
					Target:    target,
					Parameter: inj.Parameter,
					Place:     inj.Place,
					Payload:   inj.payload(),
				}
				if name := stringOrFirst(inj.DBMS); name != "" {
					sum.DBMS = name
				}
			}
		case TypeDBMSFingerprint:
			if dbms == "" {
				dbms = stringOrFirst(e.Value)
			}
		case TypeDBS:
			if !haveDBS {
				dbs, haveDBS = decodeStrings(e.Value)
			}
		case TypeTables:
			if !haveTabs {
				tables, haveTabs = decodeTables(e.Value)
			}
		}
	}

	if sum == nil {
		return nil, false
	}
	if sum.DBMS == "" {
		sum.DBMS = dbms
	}
	if dbs == nil {
		dbs = []string{}
	}
	if tables == nil {
		tables = map[string][]string{}
	}
	sum.Databases = dbs
	sum.Tables = tables
	return sum, true
}

// firstInjection accepts either a list of injection objects or a single one.
func firstInjection(raw json.RawMessage) (injection, bool) {
	var list []injection
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, inj := range list {
			if inj.Parameter != "" {
				return inj, true
			}
		}
		return injection{}, false
	}
	var one injection
	if err := json.Unmarshal(raw, &one); err == nil && one.Parameter != "" {
		return one, true
	}
	return injection{}, false
}

// payload prefers a top-level payload, else the first technique's payload
// in ascending technique order.
func (inj injection) payload() string {
	if inj.Payload != "" {
		return inj.Payload
	}
	keys := make([]string, 0, len(inj.Data))
	for k := range inj.Data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		var tech technique
		if err := json.Unmarshal(inj.Data[k], &tech); err == nil && tech.Payload != "" {
			return tech.Payload
		}
	}
	return ""
}

// stringOrFirst decodes a string, or the first string of a list.
func stringOrFirst(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

func decodeStrings(raw json.RawMessage) ([]string, bool) {
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false
	}
	return list, true
}

func decodeTables(raw json.RawMessage) (map[string][]string, bool) {
	var m map[string][]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// Collection is the ordered, append-only list of summaries for one run.
type Collection struct {
	mu    sync.Mutex
	items []*Summary
}

// Add appends s.
func (c *Collection) Add(s *Summary) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, s)
}

// Len returns the number of summaries.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Items returns a copy of the summaries in insertion order.
func (c *Collection) Items() []*Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Summary(nil), c.items...)
}
