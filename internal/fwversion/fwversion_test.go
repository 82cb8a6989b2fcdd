package fwversion

import "testing"

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.2", "1.2", 0},
		{"1.2", "1.2.0", 0},
		{"1.2.0.0", "1.2", 0},
		{"1.3", "1.2", 1},
		{"1.2", "1.3", -1},
		{"2", "1.9.9", 1},
		{"1.9.9", "2", -1},
		{"v1.3", "1.3", 0},
		{"V2.0", "2", 0},
		{"", "0", 0},
		{"", "0.0.1", -1},
		{"10.0", "9.9", 1},
		{"1.02", "1.2", 0},
		{"0.1", "0.0.9", 1},
	}
	for _, tc := range cases {
		got, err := Compare(tc.a, tc.b)
		if err != nil {
			t.Errorf("Compare(%q, %q) unexpected error: %v", tc.a, tc.b, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestCompareAntisymmetric(t *testing.T) {
	versions := []string{"", "0", "1", "1.2", "1.2.0", "1.9.9", "2", "2.0.1", "10.3"}
	for _, a := range versions {
		for _, b := range versions {
			ab, err := Compare(a, b)
			if err != nil {
				t.Fatal(err)
			}
			ba, err := Compare(b, a)
			if err != nil {
				t.Fatal(err)
			}
			if ab != -ba {
				t.Errorf("Compare(%q,%q)=%d but Compare(%q,%q)=%d", a, b, ab, b, a, ba)
			}
		}
	}
}

func TestCompareTransitive(t *testing.T) {
	// Ordered ascending; every pair must agree with the ordering.
	ordered := []string{"", "0.0.1", "0.1", "1", "1.0.1", "1.2", "1.9.9", "2", "2.0.1", "10"}
	for i := range ordered {
		for j := range ordered {
			got, err := Compare(ordered[i], ordered[j])
			if err != nil {
				t.Fatal(err)
			}
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = 1
			}
			if got != want {
				t.Errorf("Compare(%q, %q) = %d, want %d", ordered[i], ordered[j], got, want)
			}
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	bad := []string{"1.2-rc1", "1.2.3b", "1..2", "1.", ".1", "a.b", "1,2", "v", "1.2 "}
	for _, s := range bad {
		if v, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) = %v, want error", s, v)
		}
	}
}

func TestParseEmptyIsZero(t *testing.T) {
	v, err := Parse("")
	if err != nil {
		t.Fatalf("Parse(\"\") error: %v", err)
	}
	if v.Compare(MustParse("0")) != 0 {
		t.Errorf("Parse(\"\") = %v, want equal to 0", v)
	}
}

func TestString(t *testing.T) {
	for _, s := range []string{"1.2", "2.0.1", "0"} {
		if got := MustParse(s).String(); got != s {
			t.Errorf("MustParse(%q).String() = %q", s, got)
		}
	}
	if got := MustParse("v1.3").String(); got != "1.3" {
		t.Errorf("MustParse(\"v1.3\").String() = %q, want \"1.3\"", got)
	}
}

func TestLessThan(t *testing.T) {
	if !MustParse("1.2").LessThan(MustParse("1.3")) {
		t.Error("1.2 should be less than 1.3")
	}
	if MustParse("1.2").LessThan(MustParse("1.2.0")) {
		t.Error("1.2 should not be less than 1.2.0")
	}
}
