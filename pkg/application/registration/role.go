package registration

import (
	"strings"

	"github.com/pkg/errors"
)

type Role string

const (
	RoleDriver    Role = "DRIVER"
	RoleShopOwner Role = "SHOP_OWNER"
	RoleClient    Role = "CLIENT"
)

var ErrUnknownRole = errors.New("unknown role")

func ParseRole(s string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch role {
	case RoleDriver, RoleShopOwner, RoleClient:
		return role, nil
	default:
		return "", errors.Wrap(ErrUnknownRole, s)
	}
}
