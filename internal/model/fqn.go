package model

import (
	"fmt"
	"net/url"
	"strings"
)

// FQN builds the fully qualified host name from its parts:
// <name>@<url-encoded location>[-<nodeId>]. NodeID is appended only when
// it disambiguates (callers pass "" to omit it, e.g. when a location is
// already unique to one node).
func FQN(name, location, nodeID string) string {
	encodedLocation := url.QueryEscape(location)
	if nodeID == "" {
		return fmt.Sprintf("%s@%s", name, encodedLocation)
	}
	return fmt.Sprintf("%s@%s-%s", name, encodedLocation, nodeID)
}

// ParseFQN splits a fully qualified host name back into name and
// url-decoded location (+nodeId suffix, if present, left attached to
// location's trailing component since the node id is not reliably
// separable from a location that itself contains dashes). Callers that
// need exact reconciliation should look up by (nodeId, name) instead of
// relying on splitting the nodeId back out.
func ParseFQN(fqn string) (name, location string, err error) {
	parts := strings.SplitN(fqn, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid fqn %q: expected name@location", fqn)
	}
	decoded, err := url.QueryUnescape(parts[1])
	if err != nil {
		return "", "", fmt.Errorf("invalid fqn %q: %w", fqn, err)
	}
	return parts[0], decoded, nil
}
