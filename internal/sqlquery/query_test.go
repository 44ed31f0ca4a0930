package sqlquery

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr error
	}{
		{in: "SELECT 1;", want: "SELECT 1"},
		{in: "  with x as (select 1) select * from x ;; ", want: "with x as (select 1) select * from x"},
		{in: "(SELECT 1) UNION (SELECT 2)", want: "(SELECT 1) UNION (SELECT 2)"},
		{in: "DELETE FROM dataset", wantErr: ErrNotReadOnly},
		{in: "SELECT 1; DROP TABLE dataset", wantErr: ErrNotReadOnly},
		{in: "COPY dataset TO 'out.csv'", wantErr: ErrNotReadOnly},
	}
	for _, tc := range cases {
		got, err := Normalize(tc.in)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Normalize(%q) error = %v, want %v", tc.in, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Normalize(%q) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeRequiresSQL(t *testing.T) {
	if _, err := Normalize("  ;  "); err == nil {
		t.Fatal("Normalize() error = nil, want missing sql error")
	}
}
