package schema

import (
	"reflect"
	"sync"
	"testing"

	"github.com/sheetqa/sheetqa/internal/dataset"
)

func column(name string, cells ...string) dataset.Column {
	return dataset.Column{Name: name, Cells: cells}
}

func TestInferTypes(t *testing.T) {
	cases := []struct {
		name  string
		cells []string
		want  Datatype
	}{
		{name: "boolean", cells: []string{"yes", "No", "TRUE", ""}, want: Boolean},
		{name: "zero one is integer", cells: []string{"0", "1", "1"}, want: Integer},
		{name: "integer", cells: []string{"25", "-30", " 40 "}, want: Integer},
		{name: "float", cells: []string{"1.5", "2", "3e2"}, want: Float},
		{name: "datetime", cells: []string{"2024-01-02", "2024-02-03T10:00:00Z", "Jan 2, 2023"}, want: DateTime},
		{name: "mixed is text", cells: []string{"25", "30", "abc", ""}, want: Text},
		{name: "all null is text", cells: []string{"", " ", "N/A"}, want: Text},
		{name: "infinity is not float", cells: []string{"1.0", "Inf"}, want: Text},
	}
	inferencer := NewInferencer(DefaultOptions())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ds := dataset.Dataset{Columns: []dataset.Column{column("c", tc.cells...)}}
			got := inferencer.Infer(&ds).Columns[0].Type
			if got != tc.want {
				t.Fatalf("Infer() type = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestInferAgeWithTextValue(t *testing.T) {
	ds := dataset.Dataset{ID: "d1", Columns: []dataset.Column{column("age", "25", "30", "abc", "")}}
	got := NewInferencer(DefaultOptions()).Infer(&ds)
	col, ok := got.Column("age")
	if !ok {
		t.Fatalf("Column(age) missing")
	}
	if col.Type != Text || col.NonNull != 3 || col.Null != 1 {
		t.Fatalf("age = %+v, want text non_null=3 null=1", col)
	}
}

func TestInferThresholdIsConfigurable(t *testing.T) {
	ds := dataset.Dataset{Columns: []dataset.Column{column("n", "1", "2", "3", "4", "oops")}}
	strict := NewInferencer(DefaultOptions()).Infer(&ds).Columns[0].Type
	if strict != Text {
		t.Fatalf("strict type = %q, want text", strict)
	}
	opts := DefaultOptions()
	opts.Threshold = 0.8
	lenient := NewInferencer(opts).Infer(&ds).Columns[0].Type
	if lenient != Integer {
		t.Fatalf("lenient type = %q, want integer", lenient)
	}
}

func TestInferIsDeterministic(t *testing.T) {
	ds := dataset.Dataset{ID: "d", Columns: []dataset.Column{
		column("city", "Oslo", "Bergen", "Oslo", ""),
		column("pop", "700000", "285000", "700000", "1"),
	}}
	inferencer := NewInferencer(DefaultOptions())
	first := inferencer.Infer(&ds)
	second := inferencer.Infer(&ds)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Infer() not deterministic: %+v vs %+v", first, second)
	}
	city, _ := first.Column("city")
	if city.Distinct != 2 || city.Cardinality != CardinalityLow || !reflect.DeepEqual(city.Samples, []string{"Oslo", "Bergen"}) {
		t.Fatalf("city stats = %+v", city)
	}
}

func TestNonNullValuesParseUnderAssignedType(t *testing.T) {
	ds := dataset.Dataset{Columns: []dataset.Column{
		column("a", "1", "2.5", "NaN"),
		column("b", "y", "n", "maybe"),
		column("c", "2020-01-01", "", "2021/05/06"),
	}}
	inferencer := NewInferencer(DefaultOptions())
	got := inferencer.Infer(&ds)
	for i, col := range got.Columns {
		for _, cell := range ds.Columns[i].Cells {
			if inferencer.IsNull(cell) {
				continue
			}
			if !parses(col.Type, cell) {
				t.Fatalf("column %s value %q does not parse as %s", col.Name, cell, col.Type)
			}
		}
	}
}

func TestCacheSharesConcurrentInference(t *testing.T) {
	cache := NewCache(NewInferencer(DefaultOptions()), 0)
	ds := dataset.Dataset{ID: "shared", Columns: []dataset.Column{column("x", "1", "2")}}

	var wg sync.WaitGroup
	results := make([]Schema, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.Get(&ds)
		}(i)
	}
	wg.Wait()
	for _, got := range results {
		if !reflect.DeepEqual(got, results[0]) {
			t.Fatalf("Get() results differ: %+v vs %+v", got, results[0])
		}
	}
	if cache.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", cache.Len())
	}
	cache.Forget("shared")
	if cache.Len() != 0 {
		t.Fatalf("Len() after Forget = %d, want 0", cache.Len())
	}
}

func TestCacheDropsLeastRecentlyUsed(t *testing.T) {
	cache := NewCache(NewInferencer(DefaultOptions()), 2)
	for _, id := range []string{"a", "b", "a", "c"} {
		cache.Get(&dataset.Dataset{ID: id, Columns: []dataset.Column{column("x", "1")}})
	}
	if cache.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", cache.Len())
	}
	if _, ok := cache.entries.Peek("b"); ok {
		t.Fatal("entry b survived, want it evicted as least recently used")
	}
	if _, ok := cache.entries.Peek("a"); !ok {
		t.Fatal("entry a was evicted, want it kept after its second Get")
	}
}
