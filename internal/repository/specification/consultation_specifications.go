package specification

import (
	"fengshui-report-be/internal/entity"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ByConsultationKey finds the record a repeat submission resumes.
type ByConsultationKey struct {
	Email          string
	BirthDate      string
	Gender         entity.Gender
	HouseType      string
	FloorPlansHash string
}

func (s ByConsultationKey) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("email = ? AND birth_date = ? AND gender = ? AND house_type = ? AND floor_plans_hash = ?",
		s.Email, s.BirthDate, string(s.Gender), s.HouseType, s.FloorPlansHash)
}

func (s ByConsultationKey) Matches(v interface{}) bool {
	c, ok := v.(*entity.Consultation)
	return ok && c.Email == s.Email && c.Inputs.BirthDate == s.BirthDate && c.Inputs.Gender == s.Gender &&
		c.HouseType == s.HouseType && c.FloorPlansHash == s.FloorPlansHash
}

// KeyFor builds the lookup key of a consultation.
func KeyFor(email string, inputs entity.EssentialInputs, houseType string) ByConsultationKey {
	return ByConsultationKey{
		Email:          email,
		BirthDate:      inputs.BirthDate,
		Gender:         inputs.Gender,
		HouseType:      houseType,
		FloorPlansHash: inputs.FloorPlansHash(),
	}
}

type ByEmail struct {
	Email string
}

func (s ByEmail) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("email = ?", s.Email)
}

func (s ByEmail) Matches(v interface{}) bool {
	c, ok := v.(*entity.Consultation)
	return ok && c.Email == s.Email
}

// ForConsultation filters payment transactions of one consultation.
type ForConsultation struct {
	ConsultationID uuid.UUID
}

func (s ForConsultation) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("consultation_id = ?", s.ConsultationID)
}

func (s ForConsultation) Matches(v interface{}) bool {
	t, ok := v.(*entity.PaymentTransaction)
	return ok && t.ConsultationId == s.ConsultationID
}

type ReportStatusIs struct {
	Status entity.ReportStatus
}

func (s ReportStatusIs) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("report_status = ?", string(s.Status))
}

func (s ReportStatusIs) Matches(v interface{}) bool {
	c, ok := v.(*entity.Consultation)
	return ok && c.ReportStatus == s.Status
}
