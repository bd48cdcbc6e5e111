package registration

import (
	"encoding/json"
	"regexp"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Metadata holds the role specific registration fields.
type Metadata interface {
	Role() Role
	Validate() error
}

var (
	cnhPattern          = regexp.MustCompile(`^\d{11}$`)
	vehiclePlatePattern = regexp.MustCompile(`^[A-Z]{3}\d{4}$|^[A-Z]{3}\d[A-Z]\d{2}$`)
	cnpjPattern         = regexp.MustCompile(`^\d{2}\.\d{3}\.\d{3}/\d{4}-\d{2}$|^\d{14}$`)
	openingHoursPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d-([01]\d|2[0-3]):[0-5]\d$`)
	cpfPattern          = regexp.MustCompile(`^\d{3}\.\d{3}\.\d{3}-\d{2}$|^\d{11}$`)
)

type DriverMetadata struct {
	CNH          string `json:"cnh"`
	VehiclePlate string `json:"vehiclePlate"`
	VehicleType  string `json:"vehicleType"`
}

func (DriverMetadata) Role() Role {
	return RoleDriver
}

func (m DriverMetadata) Validate() error {
	var v violations
	v.pattern("cnh", m.CNH, cnhPattern, "must contain exactly 11 digits")
	v.pattern("vehiclePlate", m.VehiclePlate, vehiclePlatePattern, "must look like AAA9999 or AAA9A99")
	v.length("vehicleType", m.VehicleType, 3, 50)
	return v.err()
}

type ShopOwnerMetadata struct {
	CNPJ         string `json:"cnpj"`
	Address      string `json:"address"`
	OpeningHours string `json:"openingHours"`
}

func (ShopOwnerMetadata) Role() Role {
	return RoleShopOwner
}

func (m ShopOwnerMetadata) Validate() error {
	var v violations
	v.pattern("cnpj", m.CNPJ, cnpjPattern, "must look like XX.XXX.XXX/XXXX-XX or contain 14 digits")
	v.length("address", m.Address, 10, 200)
	v.pattern("openingHours", m.OpeningHours, openingHoursPattern, "must look like HH:mm-HH:mm")
	return v.err()
}

type ClientMetadata struct {
	CPF string `json:"cpf"`
}

func (ClientMetadata) Role() Role {
	return RoleClient
}

func (m ClientMetadata) Validate() error {
	var v violations
	v.pattern("cpf", m.CPF, cpfPattern, "must look like XXX.XXX.XXX-XX or contain 11 digits")
	return v.err()
}

// DecodeMetadata decodes raw JSON into the metadata type of role.
func DecodeMetadata(role Role, raw []byte) (Metadata, error) {
	var metadata Metadata
	switch role {
	case RoleDriver:
		var m DriverMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errors.Wrap(ErrInvalidRegistration, err.Error())
		}
		metadata = m
	case RoleShopOwner:
		var m ShopOwnerMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errors.Wrap(ErrInvalidRegistration, err.Error())
		}
		metadata = m
	case RoleClient:
		var m ClientMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errors.Wrap(ErrInvalidRegistration, err.Error())
		}
		metadata = m
	default:
		return nil, errors.Wrap(ErrUnknownRole, string(role))
	}
	return metadata, nil
}

type violations []Violation

func (v *violations) required(field, value string) bool {
	if value == "" {
		*v = append(*v, Violation{Field: field, Message: "is required"})
		return false
	}
	return true
}

func (v *violations) pattern(field, value string, pattern *regexp.Regexp, message string) {
	if v.required(field, value) && !pattern.MatchString(value) {
		*v = append(*v, Violation{Field: field, Message: message})
	}
}

func (v *violations) length(field, value string, minLen, maxLen int) {
	if !v.required(field, value) {
		return
	}
	if n := utf8.RuneCountInString(value); n < minLen || n > maxLen {
		*v = append(*v, Violation{Field: field, Message: lengthMessage(minLen, maxLen)})
	}
}

func (v violations) err() error {
	if len(v) == 0 {
		return nil
	}
	return &ValidationError{Violations: v}
}
