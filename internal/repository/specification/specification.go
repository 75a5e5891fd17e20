package specification

import "gorm.io/gorm"

// Specification defines the interface for query specifications
type Specification interface {
	Apply(db *gorm.DB) *gorm.DB
}

// Matcher lets the in-memory repositories evaluate a specification.
type Matcher interface {
	Matches(v interface{}) bool
}
