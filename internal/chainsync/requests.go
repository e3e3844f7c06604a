package chainsync

import (
	"organictrace/pkg/domain"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// RegisterFarmerRequest registers a principal as a farmer.
type RegisterFarmerRequest struct {
	Actor       string `json:"actor" validate:"required"`
	PrincipalID string `json:"principal_id" validate:"required,max=128"`
	Name        string `json:"name" validate:"required,max=200"`
	Location    string `json:"location" validate:"max=200"`
}

// GrantCapabilityRequest grants a supply-chain capability.
type GrantCapabilityRequest struct {
	Actor       string            `json:"actor" validate:"required"`
	PrincipalID string            `json:"principal_id" validate:"required,max=128"`
	Capability  domain.Capability `json:"capability" validate:"required,oneof=admin farmer processor distributor retailer consumer"`
}

// CreateBatchRequest opens a batch, optionally moving existing products into it.
type CreateBatchRequest struct {
	Actor             string    `json:"actor" validate:"required"`
	ProductIDs        []string  `json:"product_ids" validate:"dive,required"`
	HarvestDate       time.Time `json:"harvest_date"`
	ProcessingMethods []string  `json:"processing_methods" validate:"dive,required,max=100"`
	Location          string    `json:"location" validate:"max=200"`
}

// CreateProductRequest creates a product. A nil BatchID creates a batch
// holding only this product.
type CreateProductRequest struct {
	Actor       string    `json:"actor" validate:"required"`
	Name        string    `json:"name" validate:"required,max=200"`
	Description string    `json:"description" validate:"max=2000"`
	Type        string    `json:"type" validate:"max=100"`
	BatchID     *string   `json:"batch_id,omitempty" validate:"omitempty,min=1"`
	IsOrganic   bool      `json:"is_organic"`
	HarvestDate time.Time `json:"harvest_date"`
	Location    string    `json:"location" validate:"max=200"`
}

// IssueCertificationRequest issues a certification.
type IssueCertificationRequest struct {
	Actor           string    `json:"actor" validate:"required"`
	Name            string    `json:"name" validate:"required,max=200"`
	Issuer          string    `json:"issuer" validate:"required,max=200"`
	CertificateHash string    `json:"certificate_hash" validate:"required,max=256"`
	IssueDate       time.Time `json:"issue_date" validate:"required"`
	ExpiryDate      time.Time `json:"expiry_date" validate:"required,gtfield=IssueDate"`
}

// RevokeCertificationRequest revokes a certification.
type RevokeCertificationRequest struct {
	Actor           string `json:"actor" validate:"required"`
	CertificationID string `json:"certification_id" validate:"required"`
}

// AttachCertificationRequest links a certification to a product.
type AttachCertificationRequest struct {
	Actor           string `json:"actor" validate:"required"`
	ProductID       string `json:"product_id" validate:"required"`
	CertificationID string `json:"certification_id" validate:"required"`
}

// AppendRecordRequest appends a traceability record to a batch.
type AppendRecordRequest struct {
	Actor    string `json:"actor" validate:"required"`
	BatchID  string `json:"batch_id" validate:"required"`
	Action   string `json:"action" validate:"required,max=100"`
	Location string `json:"location" validate:"max=200"`
	Notes    string `json:"notes" validate:"max=2000"`
}

// RegisterQRCodeRequest binds a QR hash to a product.
type RegisterQRCodeRequest struct {
	Actor     string `json:"actor" validate:"required"`
	Hash      string `json:"hash" validate:"required,max=256"`
	ProductID string `json:"product_id" validate:"required"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// asValidationError converts validator output into domain.ValidationError,
// reporting the first failing field.
func asValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return domain.ValidationError{Field: fe.Field(), Reason: reason}
	}
	return domain.ValidationError{Reason: err.Error()}
}
