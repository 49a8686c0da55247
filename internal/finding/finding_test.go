package finding

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/0x6d61/sqlmapbatch/internal/sqlmapapi"
)

func entry(t *testing.T, typ int, value any) sqlmapapi.DataEntry {
	t.Helper()
	b, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("json.Marshal() error: %v", err)
	}
	return sqlmapapi.DataEntry{Status: 1, Type: typ, Value: b}
}

func injectionValue(param, place string, data map[string]any) []any {
	return []any{map[string]any{
		"place":     place,
		"parameter": param,
		"ptype":     1,
		"dbms":      "MySQL",
		"data":      data,
	}}
}

func TestExtractFullFinding(t *testing.T) {
	entries := []sqlmapapi.DataEntry{
		entry(t, TypeTarget, map[string]any{"url": "http://shop.local/item"}),
		entry(t, TypeTechniques, injectionValue("id", "GET", map[string]any{
			"5": map[string]any{"title": "time-based", "payload": "id=1 AND SLEEP(5)"},
			"1": map[string]any{"title": "boolean", "payload": "id=1 AND 1=1"},
		})),
		entry(t, TypeDBS, []string{"information_schema", "shop"}),
		entry(t, TypeTables, map[string][]string{"shop": {"users", "orders"}}),
	}

	sum, ok := Extract("http://shop.local/item?id=1", entries)
	if !ok {
		t.Fatal("Extract() found no injection")
	}
	if sum.Parameter != "id" {
		t.Errorf("Parameter = %q, want %q", sum.Parameter, "id")
	}
	if sum.Place != "GET" {
		t.Errorf("Place = %q, want GET", sum.Place)
	}
	if sum.Payload != "id=1 AND 1=1" {
		t.Errorf("Payload = %q, want the lowest technique's payload", sum.Payload)
	}
	if sum.DBMS != "MySQL" {
		t.Errorf("DBMS = %q, want MySQL", sum.DBMS)
	}
	if !reflect.DeepEqual(sum.Databases, []string{"information_schema", "shop"}) {
		t.Errorf("Databases = %v", sum.Databases)
	}
	if !reflect.DeepEqual(sum.Tables["shop"], []string{"users", "orders"}) {
		t.Errorf("Tables = %v", sum.Tables)
	}
	if sum.Target != "http://shop.local/item?id=1" {
		t.Errorf("Target = %q", sum.Target)
	}
}

func TestExtractNoInjection(t *testing.T) {
	tests := []struct {
		name    string
		entries []sqlmapapi.DataEntry
	}{
		{"empty", nil},
		{"target only", []sqlmapapi.DataEntry{entry(t, TypeTarget, map[string]any{"url": "x"})}},
		{"dbs without injection", []sqlmapapi.DataEntry{entry(t, TypeDBS, []string{"a"})}},
		{"empty technique list", []sqlmapapi.DataEntry{entry(t, TypeTechniques, []any{})}},
		{"technique not an object", []sqlmapapi.DataEntry{entry(t, TypeTechniques, "nope")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if sum, ok := Extract("t", tt.entries); ok || sum != nil {
				t.Errorf("Extract() = %+v, %v; want nil, false", sum, ok)
			}
		})
	}
}

func TestExtractTopLevelPayload(t *testing.T) {
	entries := []sqlmapapi.DataEntry{
		entry(t, TypeTechniques, map[string]any{
			"place":     "POST",
			"parameter": "user",
			"payload":   "user=a' OR '1'='1",
			"data":      map[string]any{"1": map[string]any{"payload": "other"}},
		}),
	}
	sum, ok := Extract("req#1", entries)
	if !ok {
		t.Fatal("Extract() found no injection")
	}
	if sum.Payload != "user=a' OR '1'='1" {
		t.Errorf("Payload = %q", sum.Payload)
	}
	if sum.Place != "POST" {
		t.Errorf("Place = %q", sum.Place)
	}
	if sum.Databases == nil || sum.Tables == nil {
		t.Error("Databases and Tables should be non-nil when absent")
	}
}

func TestExtractDBMSFromFingerprint(t *testing.T) {
	entries := []sqlmapapi.DataEntry{
		entry(t, TypeDBMSFingerprint, "PostgreSQL"),
		entry(t, TypeTechniques, []any{map[string]any{"place": "GET", "parameter": "q"}}),
	}
	sum, ok := Extract("t", entries)
	if !ok {
		t.Fatal("Extract() found no injection")
	}
	if sum.DBMS != "PostgreSQL" {
		t.Errorf("DBMS = %q, want PostgreSQL", sum.DBMS)
	}
	if sum.Payload != "" {
		t.Errorf("Payload = %q, want empty", sum.Payload)
	}
}

func TestExtractFirstInjectionWins(t *testing.T) {
	entries := []sqlmapapi.DataEntry{
		entry(t, TypeTechniques, injectionValue("first", "GET", nil)),
		entry(t, TypeTechniques, injectionValue("second", "POST", nil)),
	}
	sum, _ := Extract("t", entries)
	if sum.Parameter != "first" {
		t.Errorf("Parameter = %q, want first", sum.Parameter)
	}
}

func TestExtractMalformedListsIgnored(t *testing.T) {
	entries := []sqlmapapi.DataEntry{
		entry(t, TypeTechniques, injectionValue("id", "GET", nil)),
		entry(t, TypeDBS, "not-a-list"),
		entry(t, TypeTables, []string{"not", "a", "map"}),
	}
	sum, ok := Extract("t", entries)
	if !ok {
		t.Fatal("Extract() found no injection")
	}
	if len(sum.Databases) != 0 || len(sum.Tables) != 0 {
		t.Errorf("malformed lists should be ignored: %+v", sum)
	}
}

func TestSortedTableDBs(t *testing.T) {
	s := &Summary{
		Databases: []string{"shop", "information_schema"},
		Tables: map[string][]string{
			"zeta":               {"t"},
			"information_schema": {"TABLES"},
			"shop":               {"users"},
			"alpha":              {"t"},
		},
	}
	want := []string{"shop", "information_schema", "alpha", "zeta"}
	if got := s.SortedTableDBs(); !reflect.DeepEqual(got, want) {
		t.Errorf("SortedTableDBs() = %v, want %v", got, want)
	}
	if s.TableCount() != 4 {
		t.Errorf("TableCount() = %d, want 4", s.TableCount())
	}
}

func TestCollection(t *testing.T) {
	var c Collection
	c.Add(&Summary{Target: "a"})
	c.Add(nil)
	c.Add(&Summary{Target: "b"})

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	items := c.Items()
	if items[0].Target != "a" || items[1].Target != "b" {
		t.Errorf("Items() order = %v, %v", items[0].Target, items[1].Target)
	}
	items[0] = nil
	if c.Items()[0] == nil {
		t.Error("Items() must return a copy")
	}
}
