package model

import (
	"time"

	"github.com/google/uuid"
)

type PaymentTransaction struct {
	Id             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConsultationId uuid.UUID `gorm:"type:uuid;not null;index"`
	Amount         int64     `gorm:"not null"`
	Status         string    `gorm:"type:varchar(20);not null"`
	ProviderStatus string    `gorm:"type:varchar(50)"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	SettledAt      *time.Time
}

func (PaymentTransaction) TableName() string {
	return "payment_transactions"
}

// All lists every model for migrations.
func All() []interface{} {
	return []interface{}{&Consultation{}, &PaymentTransaction{}}
}
