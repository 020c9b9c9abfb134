package version

import "strings"

// PackageName is a case-insensitive, non-empty package identifier (§3).
// Equality and hashing are case-insensitive; Key returns the canonical
// form to use as a map key.
type PackageName string

// Key returns the case-folded form of n, suitable for use as a map key
// or mutex table key so two differently-cased spellings of the same
// package name collide.
func (n PackageName) Key() string {
	return strings.ToLower(string(n))
}

// Equal reports whether n and other denote the same package name,
// ignoring case.
func (n PackageName) Equal(other PackageName) bool {
	return n.Key() == other.Key()
}

// String returns the name as configured (original casing preserved).
func (n PackageName) String() string {
	return string(n)
}

// Valid reports whether n is non-empty once trimmed.
func (n PackageName) Valid() bool {
	return strings.TrimSpace(string(n)) != ""
}
