package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Limits are in bytes; bcrypt rejects passwords over 72 bytes.
	_ = v.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		n, err := strconv.Atoi(fl.Param())
		if err != nil {
			return false
		}
		return len(fl.Field().String()) <= n
	})
	return v
}

// JoinParams are the connection parameters a client supplies at upgrade.
type JoinParams struct {
	RoomID   string `validate:"required"`
	Name     string `validate:"required,maxbytes=50"`
	Password string `validate:"maxbytes=72"`
}

// ErrInvalidParams wraps every validation failure.
var ErrInvalidParams = errors.New("invalid join parameters")

// ParseJoin trims and validates raw upgrade parameters.
func ParseJoin(roomID, name, password string) (JoinParams, error) {
	p := JoinParams{
		RoomID:   roomID,
		Name:     strings.TrimSpace(name),
		Password: password,
	}
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return JoinParams{}, fmt.Errorf("%w: %s failed %q", ErrInvalidParams, strings.ToLower(fe.Field()), fe.Tag())
		}
		return JoinParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return p, nil
}
