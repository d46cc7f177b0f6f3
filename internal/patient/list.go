package patient

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// ClinicalList is a set-valued clinical field that is either absent or
// present with at least one entry. There is no present-but-empty state:
// building a list from zero usable entries yields Absent.
type ClinicalList struct {
	items []string
}

// Absent is the unset list.
func Absent() ClinicalList { return ClinicalList{} }

// ListOf trims entries and drops blanks. Order is preserved.
func ListOf(items ...string) ClinicalList {
	var out []string
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		out = append(out, it)
	}
	if len(out) == 0 {
		return ClinicalList{}
	}
	return ClinicalList{items: out}
}

func (l ClinicalList) Present() bool { return len(l.items) > 0 }

func (l ClinicalList) Len() int { return len(l.items) }

// Items returns a copy of the entries; nil when absent.
func (l ClinicalList) Items() []string {
	if !l.Present() {
		return nil
	}
	out := make([]string, len(l.items))
	copy(out, l.items)
	return out
}

func (l ClinicalList) Equal(o ClinicalList) bool {
	if len(l.items) != len(o.items) {
		return false
	}
	for i := range l.items {
		if l.items[i] != o.items[i] {
			return false
		}
	}
	return true
}

func (l ClinicalList) String() string {
	if !l.Present() {
		return "<absent>"
	}
	return strings.Join(l.items, ", ")
}

func (l ClinicalList) MarshalJSON() ([]byte, error) {
	if !l.Present() {
		return []byte("null"), nil
	}
	return json.Marshal(l.items)
}

func (l *ClinicalList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = ClinicalList{}
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("clinical list must be an array of strings or null")
	}
	*l = ListOf(items...)
	return nil
}

// Value stores absent as SQL NULL and present lists as a JSON array.
func (l ClinicalList) Value() (driver.Value, error) {
	if !l.Present() {
		return nil, nil
	}
	b, err := json.Marshal(l.items)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *ClinicalList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = ClinicalList{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("patient: cannot scan %T into ClinicalList", src)
	}
	return l.UnmarshalJSON(raw)
}
