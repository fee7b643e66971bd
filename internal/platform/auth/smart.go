package auth

import (
	"fmt"
	"regexp"
	"strings"
)

// Permission is one of the five FHIR interactions a SMART scope can grant.
type Permission int

const (
	PermissionCreate Permission = iota
	PermissionRead
	PermissionUpdate
	PermissionDelete
	PermissionSearch
)

func (p Permission) String() string {
	switch p {
	case PermissionCreate:
		return "create"
	case PermissionRead:
		return "read"
	case PermissionUpdate:
		return "update"
	case PermissionDelete:
		return "delete"
	case PermissionSearch:
		return "search"
	}
	return "unknown"
}

// Scope principals.
const (
	PrincipalUser    = "user"
	PrincipalPatient = "patient"
	PrincipalSystem  = "system"
)

// SmartScope is a parsed clinical scope token:
// (user|patient|system)/(TYPE|*).(suffix).
type SmartScope struct {
	Principal    string
	ResourceType string
	permissions  map[Permission]bool
}

// Grants reports whether the scope includes a permission.
func (s SmartScope) Grants(p Permission) bool { return s.permissions[p] }

// clinicalScopePattern matches the token shapes this parser is responsible
// for. Tokens that do not match (openid, profile, launch/patient, ...) are
// someone else's concern and are skipped.
var clinicalScopePattern = regexp.MustCompile(`^(user|patient|system)/([A-Za-z]+|\*)\.(.+)$`)

// v2 permission letters in their mandatory order.
var crudsOrder = []struct {
	letter byte
	perm   Permission
}{
	{'c', PermissionCreate},
	{'r', PermissionRead},
	{'u', PermissionUpdate},
	{'d', PermissionDelete},
	{'s', PermissionSearch},
}

// ParseScopes parses a whitespace-separated scope string. Tokens outside
// the clinical scope grammar are silently dropped; a clinical token with an
// invalid permission suffix fails the whole parse with ErrInvalidScope.
//
// Both grammar versions are accepted: v1 verbs (read, write, *) and v2
// permission letters (an ordered subset of "cruds"). v1 verbs expand to
// permission sets: read covers read and search, write covers create,
// update, and delete.
func ParseScopes(scopes string) ([]SmartScope, error) {
	var result []SmartScope
	for _, token := range strings.Fields(scopes) {
		m := clinicalScopePattern.FindStringSubmatch(token)
		if m == nil {
			continue
		}
		permissions, err := parsePermissionSuffix(m[3])
		if err != nil {
			return nil, fmt.Errorf("scope %q: %w", token, err)
		}
		result = append(result, SmartScope{
			Principal:    m[1],
			ResourceType: m[2],
			permissions:  permissions,
		})
	}
	return result, nil
}

func parsePermissionSuffix(suffix string) (map[Permission]bool, error) {
	permissions := make(map[Permission]bool)
	switch suffix {
	case "*":
		for _, e := range crudsOrder {
			permissions[e.perm] = true
		}
		return permissions, nil
	case "read":
		permissions[PermissionRead] = true
		permissions[PermissionSearch] = true
		return permissions, nil
	case "write":
		permissions[PermissionCreate] = true
		permissions[PermissionUpdate] = true
		permissions[PermissionDelete] = true
		return permissions, nil
	}

	// v2 letters must be a non-empty subset of "cruds" in order.
	i := 0
	for _, e := range crudsOrder {
		if i < len(suffix) && suffix[i] == e.letter {
			permissions[e.perm] = true
			i++
		}
	}
	if i == 0 || i != len(suffix) {
		return nil, fmt.Errorf("%w: permission suffix %q", ErrInvalidScope, suffix)
	}
	return permissions, nil
}

// ScopeChecker answers permission questions for one principal's scope set,
// fixed at construction.
type ScopeChecker struct {
	principal string
	scopes    []SmartScope
}

// NewScopeChecker creates a checker for the given principal over a parsed
// scope set. Scopes for other principals are retained but never match.
func NewScopeChecker(principal string, scopes []SmartScope) *ScopeChecker {
	return &ScopeChecker{principal: principal, scopes: scopes}
}

// Allows reports whether some scope grants the permission on the resource
// type. An empty resource type never has permission.
func (c *ScopeChecker) Allows(resourceType string, permission Permission) bool {
	if resourceType == "" {
		return false
	}
	for _, s := range c.scopes {
		if s.Principal != c.principal {
			continue
		}
		if s.ResourceType != "*" && s.ResourceType != resourceType {
			continue
		}
		if s.Grants(permission) {
			return true
		}
	}
	return false
}
