package tenancy

import (
	"fmt"
	"regexp"
	"strings"
)

const schemaPrefix = "tenant_"

var schemaNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,63}$`)

// SchemaName derives the private namespace for a tenant slug.
func SchemaName(slug string) (string, error) {
	name := schemaPrefix + strings.ReplaceAll(strings.ToLower(slug), "-", "_")
	if err := ValidateSchemaName(name); err != nil {
		return "", err
	}
	return name, nil
}

func ValidateSchemaName(name string) error {
	if !schemaNamePattern.MatchString(name) || name == "public" {
		return fmt.Errorf("%w: %q", ErrInvalidSchemaName, name)
	}
	return nil
}
