// Package utils provides small helpers shared by jaxbucket's non-domain
// packages (config loading, environment lookups) that don't belong to any
// one component.
package utils

import "fmt"

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
