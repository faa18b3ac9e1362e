package merchant

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoMerchant is returned when an operation needs a loaded merchant record.
var ErrNoMerchant = errors.New("merchant: no merchant loaded")

// Status is the ordered lifecycle position of a merchant. The server of
// record owns the transition graph; the client only mirrors values.
type Status int

const (
	StatusDraft              Status = 0
	StatusAgreementRequested Status = 1
	StatusOnReview           Status = 2
	StatusAgreementSigning   Status = 3
	StatusAgreementSigned    Status = 4
)

// Coarse labels derived from Status.
const (
	LabelDraft = "draft"
	LabelLive  = "life"
)

func (s Status) String() string {
	switch s {
	case StatusDraft:
		return "draft"
	case StatusAgreementRequested:
		return "agreement_requested"
	case StatusOnReview:
		return "on_review"
	case StatusAgreementSigning:
		return "agreement_signing"
	case StatusAgreementSigned:
		return "agreement_signed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Label returns "life" for a fully signed merchant and "draft" otherwise.
func (s Status) Label() string {
	if s == StatusAgreementSigned {
		return LabelLive
	}
	return LabelDraft
}

// Valid reports whether s is one of the known lifecycle values.
func (s Status) Valid() bool {
	return s >= StatusDraft && s <= StatusAgreementSigned
}

// AgreementType records which signing path the merchant chose.
type AgreementType int

const (
	AgreementTypeUndefined  AgreementType = 0
	AgreementTypePaper      AgreementType = 1
	AgreementTypeElectronic AgreementType = 2
)

func (t AgreementType) Valid() bool {
	return t >= AgreementTypeUndefined && t <= AgreementTypeElectronic
}

// ParseAgreementType maps the operator facing names onto AgreementType.
func ParseAgreementType(name string) (AgreementType, error) {
	switch name {
	case "", "undefined":
		return AgreementTypeUndefined, nil
	case "paper":
		return AgreementTypePaper, nil
	case "electro", "electronic":
		return AgreementTypeElectronic, nil
	default:
		return AgreementTypeUndefined, fmt.Errorf("merchant: unknown agreement type %q", name)
	}
}

// Step names an onboarding prerequisite.
type Step string

const (
	StepCompany  Step = "company"
	StepContacts Step = "contacts"
	StepBanking  Step = "banking"
	StepTariff   Step = "tariff"
	// StepLicense and StepProjects are external facts rather than form
	// completions and never enter the form step set.
	StepLicense  Step = "license"
	StepProjects Step = "projects"
)

// FormSteps are the four prerequisites gating the agreement.
var FormSteps = [...]Step{StepCompany, StepContacts, StepBanking, StepTariff}

// Merchant mirrors the canonical record returned by the server of record.
// It is always replaced wholesale, never merged.
type Merchant struct {
	ID                   string
	Status               Status
	AgreementType        AgreementType
	IsSigned             bool
	HasPSPSignature      bool
	HasMerchantSignature bool
	AgreementSentViaMail bool
	MailTrackingLink     string
	HasProjects          bool
	ChannelToken         string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Patch is a partial update. Nil fields are left untouched by the server.
type Patch struct {
	AgreementType        *AgreementType
	HasPSPSignature      *bool
	HasMerchantSignature *bool
	AgreementSentViaMail *bool
	MailTrackingLink     *string
	HasProjects          *bool
}

// Empty reports whether the patch carries no fields.
func (p Patch) Empty() bool {
	return p.AgreementType == nil &&
		p.HasPSPSignature == nil &&
		p.HasMerchantSignature == nil &&
		p.AgreementSentViaMail == nil &&
		p.MailTrackingLink == nil &&
		p.HasProjects == nil
}
