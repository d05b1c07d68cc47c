package models

import "regexp"

// identityPattern is a single DNS label: the identity is spliced into the
// lookup hostname and the DDNS template.
var identityPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// ValidIdentity reports whether identity can be used as a device identity.
func ValidIdentity(identity string) bool {
	return identityPattern.MatchString(identity)
}
