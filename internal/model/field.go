package model

import "time"

// FieldKey names a typed entity field.
type FieldKey string

const (
	FieldPrimaryEmail  FieldKey = "primary_email"
	FieldWorkEmail     FieldKey = "work_email"
	FieldPersonalEmail FieldKey = "personal_email"
	FieldPhone         FieldKey = "phone"
	FieldMobilePhone   FieldKey = "mobile_phone"
	FieldLinkedInURL   FieldKey = "linkedin_url"
	FieldFullName      FieldKey = "full_name"
	FieldFirstName     FieldKey = "first_name"
	FieldLastName      FieldKey = "last_name"
	FieldCompanyRef    FieldKey = "company_ref"
	FieldCompanyDomain FieldKey = "company_domain"
	FieldTitle         FieldKey = "title"

	// FieldTags is the pseudo-field used by tag union decisions.
	FieldTags FieldKey = "tags"
)

// FieldKeys lists the scalar fields in a stable order.
var FieldKeys = []FieldKey{
	FieldPrimaryEmail,
	FieldWorkEmail,
	FieldPersonalEmail,
	FieldPhone,
	FieldMobilePhone,
	FieldLinkedInURL,
	FieldFullName,
	FieldFirstName,
	FieldLastName,
	FieldCompanyRef,
	FieldCompanyDomain,
	FieldTitle,
}

// EmailFields are the fields holding email addresses.
var EmailFields = []FieldKey{FieldPrimaryEmail, FieldWorkEmail, FieldPersonalEmail}

// IsEmail reports whether k holds an email address.
func (k FieldKey) IsEmail() bool {
	return k == FieldPrimaryEmail || k == FieldWorkEmail || k == FieldPersonalEmail
}

// Known reports whether k is one of the scalar field keys.
func (k FieldKey) Known() bool {
	for _, f := range FieldKeys {
		if f == k {
			return true
		}
	}
	return false
}

// Field is one stored value together with where it came from and how much it
// is trusted.
type Field struct {
	Value      string    `json:"value"`
	Source     string    `json:"source"`
	Confidence int       `json:"confidence"`
	Verified   bool      `json:"verified"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Empty reports whether the field has no value.
func (f Field) Empty() bool {
	return f.Value == ""
}

// FieldFilter selects entities whose field equals Value, ignoring case.
type FieldFilter struct {
	Field FieldKey `json:"field"`
	Value string   `json:"value"`
}
