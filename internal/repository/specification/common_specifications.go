package specification

import (
	"fmt"

	"fengshui-report-be/internal/entity"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ByID filters by ID
type ByID struct {
	ID uuid.UUID
}

func (s ByID) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("id = ?", s.ID)
}

func (s ByID) Matches(v interface{}) bool {
	switch e := v.(type) {
	case *entity.Consultation:
		return e.Id == s.ID
	case *entity.PaymentTransaction:
		return e.Id == s.ID
	}
	return false
}

// OrderBy applies ordering. In memory it filters nothing.
type OrderBy struct {
	Field string
	Desc  bool
}

func (s OrderBy) Apply(db *gorm.DB) *gorm.DB {
	direction := "ASC"
	if s.Desc {
		direction = "DESC"
	}
	return db.Order(fmt.Sprintf("%s %s", s.Field, direction))
}

func (s OrderBy) Matches(v interface{}) bool {
	return true
}

// Pagination
type Pagination struct {
	Limit  int
	Offset int
}

func (s Pagination) Apply(db *gorm.DB) *gorm.DB {
	return db.Limit(s.Limit).Offset(s.Offset)
}

func (s Pagination) Matches(v interface{}) bool {
	return true
}
