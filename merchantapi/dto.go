package merchantapi

import (
	"time"

	"merchantflow/agreement"
	"merchantflow/merchant"
)

type merchantDTO struct {
	ID                   string    `json:"id"`
	Status               int       `json:"status"`
	AgreementType        int       `json:"agreement_type"`
	IsSigned             bool      `json:"is_signed"`
	HasPSPSignature      bool      `json:"has_psp_signature"`
	HasMerchantSignature bool      `json:"has_merchant_signature"`
	AgreementSentViaMail bool      `json:"agreement_sent_via_mail"`
	MailTrackingLink     string    `json:"mail_tracking_link"`
	HasProjects          bool      `json:"has_projects"`
	ChannelToken         string    `json:"channel_token"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (d merchantDTO) toMerchant() merchant.Merchant {
	return merchant.Merchant{
		ID:                   d.ID,
		Status:               merchant.Status(d.Status),
		AgreementType:        merchant.AgreementType(d.AgreementType),
		IsSigned:             d.IsSigned,
		HasPSPSignature:      d.HasPSPSignature,
		HasMerchantSignature: d.HasMerchantSignature,
		AgreementSentViaMail: d.AgreementSentViaMail,
		MailTrackingLink:     d.MailTrackingLink,
		HasProjects:          d.HasProjects,
		ChannelToken:         d.ChannelToken,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
}

// patchDTO omits nil fields so the server leaves them untouched.
type patchDTO struct {
	AgreementType        *int    `json:"agreement_type,omitempty"`
	HasPSPSignature      *bool   `json:"has_psp_signature,omitempty"`
	HasMerchantSignature *bool   `json:"has_merchant_signature,omitempty"`
	AgreementSentViaMail *bool   `json:"agreement_sent_via_mail,omitempty"`
	MailTrackingLink     *string `json:"mail_tracking_link,omitempty"`
	HasProjects          *bool   `json:"has_projects,omitempty"`
}

func newPatchDTO(p merchant.Patch) patchDTO {
	dto := patchDTO{
		HasPSPSignature:      p.HasPSPSignature,
		HasMerchantSignature: p.HasMerchantSignature,
		AgreementSentViaMail: p.AgreementSentViaMail,
		MailTrackingLink:     p.MailTrackingLink,
		HasProjects:          p.HasProjects,
	}
	if p.AgreementType != nil {
		v := int(*p.AgreementType)
		dto.AgreementType = &v
	}
	return dto
}

type statusRequest struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

type signatureRequestBody struct {
	SignerType int `json:"signer_type"`
}

type signatureDTO struct {
	SignatureID string     `json:"signature_id"`
	SignURL     string     `json:"sign_url"`
	SignerType  int        `json:"signer_type"`
	SignerName  string     `json:"signer_name"`
	SignerEmail string     `json:"signer_email"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func (d signatureDTO) toSignatureRequest(merchantID string) agreement.SignatureRequest {
	return agreement.SignatureRequest{
		MerchantID:  merchantID,
		SignatureID: d.SignatureID,
		SignURL:     d.SignURL,
		SignerType:  agreement.SignerType(d.SignerType),
		SignerName:  d.SignerName,
		SignerEmail: d.SignerEmail,
		ExpiresAt:   d.ExpiresAt,
	}
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}
