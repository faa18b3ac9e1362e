package agreement

import (
	"time"

	"merchantflow/merchant"
)

const (
	sentinelName      = "License Agreement"
	sentinelExtension = "pdf"
	sentinelURL       = "#"
)

// Metadata describes the agreement file.
type Metadata struct {
	Name      string `json:"name"`
	Extension string `json:"extension"`
	Size      int64  `json:"size"`
}

// Document is the agreement artifact known for a merchant.
type Document struct {
	Metadata Metadata `json:"metadata"`
	URL      string   `json:"url"`
}

// Sentinel returns the placeholder document used while nothing is signed.
func Sentinel() Document {
	return Document{
		Metadata: Metadata{
			Name:      sentinelName,
			Extension: sentinelExtension,
			Size:      0,
		},
		URL: sentinelURL,
	}
}

// IsSentinel reports whether d cannot point at a real file. Downloads are
// refused for such documents.
func (d Document) IsSentinel() bool {
	return d.URL == "" || d.URL == sentinelURL || d.Metadata.Size <= 0
}

// SignerType identifies who signs through the external provider.
type SignerType int

const (
	SignerMerchant SignerType = 0
	SignerPlatform SignerType = 1
)

// SignatureRequest is the ephemeral handle for the external signing surface.
type SignatureRequest struct {
	MerchantID  string
	SignatureID string
	SignURL     string
	SignerType  SignerType
	SignerName  string
	SignerEmail string
	ExpiresAt   *time.Time
}

// Path is the signing route for the current merchant.
type Path int

const (
	PathExternalProvider Path = iota
	PathEstablishedArtifact
)

func (p Path) String() string {
	if p == PathExternalProvider {
		return "external_provider"
	}
	return "established_artifact"
}

// SelectPath uses the external provider while nothing was decided yet
// (status 0) or after the platform rejected the signature.
func SelectPath(status merchant.Status, rejected bool) Path {
	if status == merchant.StatusDraft || rejected {
		return PathExternalProvider
	}
	return PathEstablishedArtifact
}
