package rule

import "testing"

func str(s string) *string { return &s }

func TestValidateNilRuleAlwaysPasses(t *testing.T) {
	if res := Validate(str("anything"), nil); !res.OK {
		t.Fatalf("nil rule should pass, got %+v", res)
	}
	if res := Validate(nil, nil); !res.OK {
		t.Fatalf("nil rule should pass nil value, got %+v", res)
	}
}

func TestValidateRequiredBlank(t *testing.T) {
	r := &Rule{Type: TypeText, Required: true}
	for _, v := range []*string{nil, str(""), str("   ")} {
		res := Validate(v, r)
		if res.OK {
			t.Fatalf("blank required value should fail")
		}
		if !res.Missing || res.Reason != ReasonRequired {
			t.Fatalf("blank required value should be MISSING with fixed reason, got %+v", res)
		}
	}
	// Not required: blank passes.
	if res := Validate(nil, &Rule{Type: TypeText}); !res.OK {
		t.Fatalf("blank optional value should pass, got %+v", res)
	}
}

func TestValidateInteger(t *testing.T) {
	r := &Rule{Type: TypeInteger}
	cases := []struct {
		value string
		ok    bool
	}{
		{"42", true},
		{"-7", true},
		{"3.0", true},  // integer-valued float coerces
		{"3.5", false}, // nonzero fraction
		{"abc", false},
	}
	for _, c := range cases {
		if res := Validate(str(c.value), r); res.OK != c.ok {
			t.Errorf("INTEGER %q: got %+v, want ok=%v", c.value, res, c.ok)
		}
	}
	res := Validate(str("3.5"), r)
	if res.Missing {
		t.Fatalf("invalid integer must not be classified MISSING")
	}
}

func TestValidateIntegerBounds(t *testing.T) {
	min, max := 1.0, 10.0
	r := &Rule{Type: TypeInteger, Min: &min, Max: &max}
	if res := Validate(str("0"), r); res.OK {
		t.Fatalf("below min should fail")
	}
	if res := Validate(str("11"), r); res.OK {
		t.Fatalf("above max should fail")
	}
	if res := Validate(str("5"), r); !res.OK {
		t.Fatalf("in-range should pass, got %+v", res)
	}
}

func TestValidateTextLength(t *testing.T) {
	minLen, maxLen := 2, 4
	r := &Rule{Type: TypeText, MinLength: &minLen, MaxLength: &maxLen}
	if res := Validate(str("a"), r); res.OK {
		t.Fatalf("too short should fail")
	}
	if res := Validate(str("abcde"), r); res.OK {
		t.Fatalf("too long should fail")
	}
	if res := Validate(str("abc"), r); !res.OK {
		t.Fatalf("in-range should pass")
	}
	// Length counts runes, not bytes.
	if res := Validate(str("数据"), r); !res.OK {
		t.Fatalf("two-rune value should pass, got %+v", res)
	}
}

func TestValidateBoolean(t *testing.T) {
	r := &Rule{Type: TypeBoolean}
	for _, v := range []string{"true", "FALSE", "Yes", "no", "是", "否", "1", "0"} {
		if res := Validate(str(v), r); !res.OK {
			t.Errorf("BOOLEAN %q should pass, got %+v", v, res)
		}
	}
	if res := Validate(str("maybe"), r); res.OK {
		t.Fatalf("BOOLEAN 'maybe' should fail")
	}
}

func TestValidatePatternTypes(t *testing.T) {
	cases := []struct {
		typ   string
		value string
		ok    bool
	}{
		{TypeEmail, "a@b.co", true},
		{TypeEmail, "a@b", false},
		{TypeEmail, "a b@c.d", false},
		{TypePhone, "13812345678", true},
		{TypePhone, "12812345678", false},
		{TypePhone, "1381234567", false},
		{TypeIDCard, "123456789012345", true},
		{TypeIDCard, "12345678901234567X", true},
		{TypeIDCard, "1234567890123456", false},
		{TypeEmployeeID, "0123456789", true},
		{TypeEmployeeID, "12345", false},
		{TypeDate, "2026-08-30", true},
		{TypeDate, "not a date", false},
		{TypeDateTime, "2026-08-30 12:00:00", true},
		{TypeFloat, "3.14", true},
		{TypeFloat, "pi", false},
	}
	for _, c := range cases {
		res := Validate(str(c.value), &Rule{Type: c.typ})
		if res.OK != c.ok {
			t.Errorf("%s %q: got %+v, want ok=%v", c.typ, c.value, res, c.ok)
		}
	}
}

func TestValidateOptions(t *testing.T) {
	r := &Rule{Type: TypeText, Options: []string{"red", "green", "blue"}}
	if res := Validate(str("green"), r); !res.OK {
		t.Fatalf("member should pass")
	}
	if res := Validate(str("red, blue"), r); !res.OK {
		t.Fatalf("comma-joined members should pass, got %+v", res)
	}
	if res := Validate(str("red, yellow"), r); res.OK {
		t.Fatalf("non-member in comma list should fail")
	}
}

func TestValidateRegex(t *testing.T) {
	r := &Rule{Type: TypeText, Regex: `^[A-Z]{3}-[0-9]+$`}
	if res := Validate(str("ABC-12"), r); !res.OK {
		t.Fatalf("matching value should pass, got %+v", res)
	}
	if res := Validate(str("abc-12"), r); res.OK {
		t.Fatalf("non-matching value should fail")
	}
	bad := &Rule{Regex: `([`}
	if res := Validate(str("x"), bad); res.OK {
		t.Fatalf("uncompilable regex should fail closed")
	}
}

func TestParse(t *testing.T) {
	r, err := Parse(`{"type":"integer","required":true,"min":1,"max":5}`)
	if err != nil {
		t.Fatal(err)
	}
	if r.Type != TypeInteger || !r.Required || r.Min == nil || *r.Min != 1 {
		t.Fatalf("unexpected rule %+v", r)
	}
	r, err = Parse("  ")
	if err != nil || r != nil {
		t.Fatalf("blank document should mean no rule, got %v %v", r, err)
	}
	if _, err := Parse("{bad"); err == nil {
		t.Fatalf("malformed document should error")
	}
}
