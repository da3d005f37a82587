package record

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultPrimaryKey is the key column used when no explicit key is given.
const DefaultPrimaryKey = "sys_name"

// ReservedPrefix marks system-owned columns and tables.
const ReservedPrefix = "sys_"

var allowedName = regexp.MustCompile(`^[A-Za-z0-9\-_ ]+$`)

// InvalidNameError reports a record type, attribute or key name that cannot
// be used as an identifier.
type InvalidNameError struct {
	What   string
	Name   string
	Reason string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid %s name %q: %s", e.What, e.Name, e.Reason)
}

// ValidateName checks a user-supplied identifier.
func ValidateName(what, name string) error {
	if !allowedName.MatchString(name) {
		return &InvalidNameError{What: what, Name: name, Reason: "only letters, numbers, spaces, dashes and underscores are allowed"}
	}
	return nil
}

// ValidateAttributeName additionally rejects the reserved prefix. The
// record's own key column is allowed.
func ValidateAttributeName(name, primaryKey string) error {
	if err := ValidateName("attribute", name); err != nil {
		return err
	}
	if name != primaryKey && strings.HasPrefix(strings.ToLower(name), ReservedPrefix) {
		return &InvalidNameError{What: "attribute", Name: name, Reason: fmt.Sprintf("names starting with %q are reserved", ReservedPrefix)}
	}
	return nil
}

// ValidateRecordType checks a record type name. The reserved prefix is
// rejected since join tables and the column catalog share the namespace.
func ValidateRecordType(rt RecordType) error {
	name := string(rt)
	if err := ValidateName("record type", name); err != nil {
		return err
	}
	if strings.HasPrefix(strings.ToLower(name), ReservedPrefix) {
		return &InvalidNameError{What: "record type", Name: name, Reason: fmt.Sprintf("names starting with %q are reserved", ReservedPrefix)}
	}
	return nil
}
