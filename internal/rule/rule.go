// Package rule implements per-field validation of collected spreadsheet
// values. Rules are stored as a small JSON document on each template field
// and decoded at the storage boundary; Validate itself is a pure function.
package rule

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Field types.
const (
	TypeText       = "TEXT"
	TypeInteger    = "INTEGER"
	TypeFloat      = "FLOAT"
	TypeDate       = "DATE"
	TypeDateTime   = "DATETIME"
	TypeBoolean    = "BOOLEAN"
	TypeEmail      = "EMAIL"
	TypePhone      = "PHONE"
	TypeIDCard     = "ID_CARD"
	TypeEmployeeID = "EMPLOYEE_ID"
)

// ReasonRequired is the fixed reason for a blank required value. It is the
// one reason classified as MISSING rather than INVALID.
const ReasonRequired = "required field empty"

type Rule struct {
	Type      string   `json:"type,omitempty"`
	Required  bool     `json:"required,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	MinLength *int     `json:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty"`
	Options   []string `json:"options,omitempty"`
	Regex     string   `json:"regex,omitempty"`
}

// Parse decodes a rule document. Empty input means no rule.
func Parse(doc string) (*Rule, error) {
	if strings.TrimSpace(doc) == "" {
		return nil, nil
	}
	var r Rule
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("invalid rule document: %w", err)
	}
	r.Type = strings.ToUpper(strings.TrimSpace(r.Type))
	return &r, nil
}

// Result is the outcome of validating one cell.
type Result struct {
	OK      bool
	Missing bool
	Reason  string
}

func pass() Result              { return Result{OK: true} }
func fail(reason string) Result { return Result{Reason: reason} }
func missing() Result           { return Result{Missing: true, Reason: ReasonRequired} }

var (
	emailRe      = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phoneRe      = regexp.MustCompile(`^1[3-9][0-9]{9}$`)
	idCardRe     = regexp.MustCompile(`^([0-9]{15}|[0-9]{17}[0-9Xx])$`)
	employeeIDRe = regexp.MustCompile(`^[0-9]{10}$`)
)

// Permissive layouts tried in order for DATE/DATETIME values.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"20060102",
}

// Validate checks one raw cell value against a rule. A nil rule always
// passes. A nil or blank value passes unless the rule requires it.
func Validate(value *string, r *Rule) Result {
	if r == nil {
		return pass()
	}
	if value == nil || strings.TrimSpace(*value) == "" {
		if r.Required {
			return missing()
		}
		return pass()
	}
	v := strings.TrimSpace(*value)

	if res := checkType(v, r); !res.OK {
		return res
	}
	if len(r.Options) > 0 {
		if res := checkOptions(v, r.Options); !res.OK {
			return res
		}
	}
	if r.Regex != "" {
		rx, err := regexp.Compile(r.Regex)
		if err != nil {
			return fail("rule misconfigured")
		}
		if !rx.MatchString(v) {
			return fail("does not match required pattern")
		}
	}
	return pass()
}

func checkType(v string, r *Rule) Result {
	switch r.Type {
	case "", TypeText:
		if r.MinLength != nil && len([]rune(v)) < *r.MinLength {
			return fail(fmt.Sprintf("shorter than minimum length %d", *r.MinLength))
		}
		if r.MaxLength != nil && len([]rune(v)) > *r.MaxLength {
			return fail(fmt.Sprintf("longer than maximum length %d", *r.MaxLength))
		}
	case TypeInteger:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f != math.Trunc(f) {
			return fail("not an integer")
		}
		return checkBounds(f, r)
	case TypeFloat:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fail("not a number")
		}
		return checkBounds(f, r)
	case TypeDate, TypeDateTime:
		if !parseableDate(v) {
			return fail("not a valid date/time")
		}
	case TypeBoolean:
		switch strings.ToLower(v) {
		case "true", "false", "yes", "no", "是", "否", "1", "0":
		default:
			return fail("not a valid boolean")
		}
	case TypeEmail:
		if !emailRe.MatchString(v) {
			return fail("not a valid email address")
		}
	case TypePhone:
		if !phoneRe.MatchString(v) {
			return fail("not a valid phone number")
		}
	case TypeIDCard:
		if !idCardRe.MatchString(v) {
			return fail("not a valid ID card number")
		}
	case TypeEmployeeID:
		if !employeeIDRe.MatchString(v) {
			return fail("not a valid employee id")
		}
	}
	return pass()
}

func checkBounds(f float64, r *Rule) Result {
	if r.Min != nil && f < *r.Min {
		return fail(fmt.Sprintf("below minimum %v", *r.Min))
	}
	if r.Max != nil && f > *r.Max {
		return fail(fmt.Sprintf("above maximum %v", *r.Max))
	}
	return pass()
}

// Multi-select values arrive comma-joined; each element must be a member.
func checkOptions(v string, options []string) Result {
	vals := []string{v}
	if strings.Contains(v, ",") {
		vals = vals[:0]
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				vals = append(vals, p)
			}
		}
	}
	for _, val := range vals {
		ok := false
		for _, opt := range options {
			if val == opt {
				ok = true
				break
			}
		}
		if !ok {
			return fail(fmt.Sprintf("value %q not among allowed options", val))
		}
	}
	return pass()
}

func parseableDate(v string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}
