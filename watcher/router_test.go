package watcher

import "testing"

func testRules() []PatternRule {
	return []PatternRule{
		{Pattern: "customer_data", Destination: Destination{Table: "dim_customers", Schema: "public"}},
		{Pattern: "sales_data", Destination: Destination{Table: "fact_sales", Schema: "public"}},
		{Pattern: "data", Destination: Destination{Table: "staging_catchall"}},
	}
}

func TestRouter_Classify(t *testing.T) {
	r := NewRouter(testRules())

	tests := []struct {
		name      string
		path      string
		wantTable string
		wantMatch bool
	}{
		{name: "posix path", path: "/srv/share/customer_data/jan.csv", wantTable: "dim_customers", wantMatch: true},
		{name: "windows path", path: `Z:\Customer_Data\jan.csv`, wantTable: "dim_customers", wantMatch: true},
		{name: "mixed case", path: "/srv/SALES_DATA/q1.xlsx", wantTable: "fact_sales", wantMatch: true},
		{name: "pattern in filename", path: "/srv/incoming/sales_data_2024.csv", wantTable: "fact_sales", wantMatch: true},
		{name: "no match", path: "/srv/share/misc/readme.csv", wantMatch: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest, ok := r.Classify(tt.path)
			if ok != tt.wantMatch {
				t.Fatalf("Classify(%q) matched=%v, want %v", tt.path, ok, tt.wantMatch)
			}
			if ok && dest.Table != tt.wantTable {
				t.Fatalf("Classify(%q) table=%q, want %q", tt.path, dest.Table, tt.wantTable)
			}
		})
	}
}

func TestRouter_FirstMatchWins(t *testing.T) {
	// "customer_data" also contains the later, broader "data" pattern; the
	// earlier declaration must win.
	r := NewRouter(testRules())
	dest, ok := r.Classify("/srv/customer_data/feb.csv")
	if !ok {
		t.Fatal("expected a match")
	}
	if dest.Table != "dim_customers" {
		t.Fatalf("got table %q, want dim_customers (first declared match)", dest.Table)
	}

	// Reversed declaration order flips the winner.
	reversed := []PatternRule{
		{Pattern: "data", Destination: Destination{Table: "staging_catchall"}},
		{Pattern: "customer_data", Destination: Destination{Table: "dim_customers"}},
	}
	dest, ok = NewRouter(reversed).Classify("/srv/customer_data/feb.csv")
	if !ok || dest.Table != "staging_catchall" {
		t.Fatalf("got table %q, want staging_catchall", dest.Table)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`Z:\Share\Customer_Data\Jan.CSV`, "z:/share/customer_data/jan.csv"},
		{"/srv/Share/file.csv", "/srv/share/file.csv"},
	}
	for _, tt := range tests {
		if got := NormalizePath(tt.in); got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
