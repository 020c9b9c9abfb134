package version

import "testing"

func TestTryParse(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantEmpty bool
		wantStr   string
	}{
		{name: "plain", input: "1.2.3", wantStr: "1.2.3"},
		{name: "v-prefixed", input: "v1.2.3", wantStr: "1.2.3"},
		{name: "prerelease", input: "v1.2.3-alpha.1", wantStr: "1.2.3-alpha.1"},
		{name: "garbage", input: "not-a-version", wantEmpty: true},
		{name: "missing-patch", input: "1.2", wantEmpty: true},
		{name: "empty-string", input: "", wantEmpty: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := TryParse(tc.input)
			if got.IsEmpty() != tc.wantEmpty {
				t.Fatalf("TryParse(%q).IsEmpty() = %v, want %v", tc.input, got.IsEmpty(), tc.wantEmpty)
			}
			if !tc.wantEmpty && got.String() != tc.wantStr {
				t.Fatalf("TryParse(%q).String() = %q, want %q", tc.input, got.String(), tc.wantStr)
			}
		})
	}
}

func TestCompareOrdering(t *testing.T) {
	type pair struct {
		a, b string
		want int // sign of expected comparison
	}
	pairs := []pair{
		{"1.0.0", "1.0.0", 0},
		{"1.0.0", "1.0.1", -1},
		{"1.1.0", "1.0.9", 1},
		{"2.0.0", "1.9.9", 1},
		{"1.0.0-alpha", "1.0.0", -1},
		{"1.0.0", "1.0.0-alpha", 1},
		{"1.0.0-alpha", "1.0.0-beta", -1},
		{"1.0.0-beta", "1.0.0-alpha", 1},
	}

	for _, p := range pairs {
		a := TryParse(p.a)
		b := TryParse(p.b)
		got := a.Compare(b)
		if sign(got) != p.want {
			t.Errorf("Compare(%q, %q) = %d, want sign %d", p.a, p.b, got, p.want)
		}
	}
}

func TestEmptySentinelOrdering(t *testing.T) {
	v := TryParse("0.0.1")
	if !Empty.Less(v) {
		t.Fatalf("Empty must sort below every valid version")
	}
	if v.Less(Empty) {
		t.Fatalf("a valid version must never sort below Empty")
	}
	if Empty.String() != "-" {
		t.Fatalf("Empty.String() = %q, want \"-\"", Empty.String())
	}
}

func TestTotalOrderTrichotomy(t *testing.T) {
	versions := []string{"1.0.0", "1.0.0-alpha", "2.3.4", ""}
	for _, a := range versions {
		for _, b := range versions {
			va, vb := TryParse(a), TryParse(b)
			lt := va.Less(vb)
			gt := vb.Less(va)
			eq := va.Equal(vb)
			count := 0
			for _, x := range []bool{lt, gt, eq} {
				if x {
					count++
				}
			}
			if count != 1 {
				t.Fatalf("trichotomy violated for %q vs %q: lt=%v gt=%v eq=%v", a, b, lt, gt, eq)
			}
		}
	}
}

func TestSortDescendingAndMax(t *testing.T) {
	raw := []string{"1.0.0", "1.2.0", "1.1.0-beta", "0.9.9"}
	versions := make([]PackageVersion, len(raw))
	for i, r := range raw {
		versions[i] = TryParse(r)
	}

	SortDescending(versions)
	if versions[0].String() != "1.2.0" {
		t.Fatalf("expected highest version first, got %q", versions[0].String())
	}
	if versions[len(versions)-1].String() != "0.9.9" {
		t.Fatalf("expected lowest version last, got %q", versions[len(versions)-1].String())
	}

	if Max(versions).String() != "1.2.0" {
		t.Fatalf("Max() = %q, want 1.2.0", Max(versions).String())
	}
	if !Max(nil).IsEmpty() {
		t.Fatalf("Max(nil) should be Empty")
	}
}

func TestPackageNameCaseInsensitive(t *testing.T) {
	a := PackageName("MyPackage")
	b := PackageName("mypackage")
	if !a.Equal(b) {
		t.Fatalf("expected case-insensitive equality")
	}
	if a.Key() != b.Key() {
		t.Fatalf("expected identical map keys")
	}
	if PackageName("  ").Valid() {
		t.Fatalf("whitespace-only name should be invalid")
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
