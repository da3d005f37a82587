package record

import (
	"fmt"
	"strings"
)

// ReferencePrefix starts every relation token: "terra-wds:/<type>/<id>".
const ReferencePrefix = "terra-wds:/"

// Reference points at one record of another record type.
type Reference struct {
	Type RecordType
	ID   string
}

// String renders the reference token.
func (r Reference) String() string {
	return ReferencePrefix + string(r.Type) + "/" + r.ID
}

// ParseReference decodes a relation token. ok is false when s is not a
// reference at all; err is set when it has the prefix but is malformed.
func ParseReference(s string) (ref Reference, ok bool, err error) {
	if !strings.HasPrefix(s, ReferencePrefix) {
		return Reference{}, false, nil
	}
	rest := strings.TrimPrefix(s, ReferencePrefix)
	typ, id, found := strings.Cut(rest, "/")
	if !found || typ == "" || id == "" {
		return Reference{}, true, fmt.Errorf("record: malformed reference %q, want %s<type>/<id>", s, ReferencePrefix)
	}
	if err := ValidateRecordType(RecordType(typ)); err != nil {
		return Reference{}, true, err
	}
	return Reference{Type: RecordType(typ), ID: id}, true, nil
}

// AsReference returns the reference carried by v, either as an explicit
// relation value or as a reference token in text.
func AsReference(v Value) (Reference, bool) {
	switch v.Kind() {
	case KindRelation:
		return v.AsRelation(), true
	case KindText:
		ref, ok, err := ParseReference(v.AsText())
		if ok && err == nil {
			return ref, true
		}
	}
	return Reference{}, false
}
