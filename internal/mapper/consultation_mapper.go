package mapper

import (
	"encoding/json"

	"fengshui-report-be/internal/entity"
	"fengshui-report-be/internal/model"

	"gorm.io/datatypes"
)

type ConsultationMapper struct{}

func NewConsultationMapper() *ConsultationMapper {
	return &ConsultationMapper{}
}

func (m *ConsultationMapper) ToEntity(c *model.Consultation) *entity.Consultation {
	if c == nil {
		return nil
	}
	var fileIds []string
	if len(c.FloorPlanFileIds) > 0 {
		_ = json.Unmarshal(c.FloorPlanFileIds, &fileIds)
	}
	return &entity.Consultation{
		Id:    c.Id,
		Email: c.Email,
		Inputs: entity.EssentialInputs{
			BirthDate:        c.BirthDate,
			Gender:           entity.Gender(c.Gender),
			FloorPlanFileIds: fileIds,
		},
		InputsHash:      c.InputsHash,
		FloorPlansHash:  c.FloorPlansHash,
		HouseType:       c.HouseType,
		Language:        c.Language,
		State:           entity.ConsultationState(c.State),
		FailedStage:     c.FailedStage,
		LayoutResult:    stageFromJSON(c.LayoutResult),
		EnergyResult:    stageFromJSON(c.EnergyResult),
		ConversationId:  c.ConversationId,
		PaymentStatus:   entity.PaymentStatus(c.PaymentStatus),
		PaymentOrderId:  c.PaymentOrderId,
		ReportStatus:    entity.ReportStatus(c.ReportStatus),
		ReportContent:   c.ReportContent,
		ReportPdf:       c.ReportPdf,
		ReportError:     c.ReportError,
		ReportStartedAt: c.ReportStartedAt,
		PaidAt:          c.PaidAt,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func (m *ConsultationMapper) ToModel(c *entity.Consultation) *model.Consultation {
	if c == nil {
		return nil
	}
	fileIds, _ := json.Marshal(c.Inputs.FloorPlanFileIds)
	return &model.Consultation{
		Id:               c.Id,
		Email:            c.Email,
		BirthDate:        c.Inputs.BirthDate,
		Gender:           string(c.Inputs.Gender),
		HouseType:        c.HouseType,
		FloorPlansHash:   c.FloorPlansHash,
		FloorPlanFileIds: datatypes.JSON(fileIds),
		InputsHash:       c.InputsHash,
		Language:         c.Language,
		State:            string(c.State),
		FailedStage:      c.FailedStage,
		LayoutResult:     stageToJSON(c.LayoutResult),
		EnergyResult:     stageToJSON(c.EnergyResult),
		ConversationId:   c.ConversationId,
		PaymentStatus:    string(c.PaymentStatus),
		PaymentOrderId:   c.PaymentOrderId,
		PaymentCompleted: c.PaymentStatus == entity.PaymentStatusCompleted,
		ReportStatus:     string(c.ReportStatus),
		ReportContent:    c.ReportContent,
		ReportPdf:        c.ReportPdf,
		ReportError:      c.ReportError,
		ReportStartedAt:  c.ReportStartedAt,
		PaidAt:           c.PaidAt,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

func (m *ConsultationMapper) TransactionToEntity(t *model.PaymentTransaction) *entity.PaymentTransaction {
	if t == nil {
		return nil
	}
	return &entity.PaymentTransaction{
		Id:             t.Id,
		ConsultationId: t.ConsultationId,
		Amount:         t.Amount,
		Status:         entity.TransactionStatus(t.Status),
		ProviderStatus: t.ProviderStatus,
		CreatedAt:      t.CreatedAt,
		SettledAt:      t.SettledAt,
	}
}

func (m *ConsultationMapper) TransactionToModel(t *entity.PaymentTransaction) *model.PaymentTransaction {
	if t == nil {
		return nil
	}
	return &model.PaymentTransaction{
		Id:             t.Id,
		ConsultationId: t.ConsultationId,
		Amount:         t.Amount,
		Status:         string(t.Status),
		ProviderStatus: t.ProviderStatus,
		CreatedAt:      t.CreatedAt,
		SettledAt:      t.SettledAt,
	}
}

func stageFromJSON(raw datatypes.JSON) *entity.StageResult {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var r entity.StageResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil
	}
	return &r
}

func stageToJSON(r *entity.StageResult) datatypes.JSON {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}
