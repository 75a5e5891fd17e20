package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Consultation struct {
	Id               uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Email            string         `gorm:"type:varchar(255);not null;uniqueIndex:idx_consultation_key"`
	BirthDate        string         `gorm:"type:varchar(10);not null;uniqueIndex:idx_consultation_key"`
	Gender           string         `gorm:"type:varchar(1);not null;uniqueIndex:idx_consultation_key"`
	HouseType        string         `gorm:"type:varchar(100);not null;default:'';uniqueIndex:idx_consultation_key"`
	FloorPlansHash   string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_consultation_key"`
	FloorPlanFileIds datatypes.JSON `gorm:"type:jsonb"`
	InputsHash       string         `gorm:"type:varchar(64);not null;index"`
	Language         string         `gorm:"type:varchar(20)"`
	State            string         `gorm:"type:varchar(50);not null"`
	FailedStage      string         `gorm:"type:varchar(20)"`
	LayoutResult     datatypes.JSON `gorm:"type:jsonb"`
	EnergyResult     datatypes.JSON `gorm:"type:jsonb"`
	ConversationId   string         `gorm:"type:varchar(255)"`
	PaymentStatus    string         `gorm:"type:varchar(20);not null;default:'unpaid';index"`
	PaymentOrderId   string         `gorm:"type:varchar(64)"`
	PaymentCompleted bool           `gorm:"not null;default:false"`
	ReportStatus     string         `gorm:"type:varchar(20);not null;default:'none';index"`
	ReportContent    string         `gorm:"type:text"`
	ReportPdf        []byte         `gorm:"type:bytea"`
	ReportError      string         `gorm:"type:text"`
	ReportStartedAt  *time.Time
	PaidAt           *time.Time
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

func (Consultation) TableName() string {
	return "consultations"
}
