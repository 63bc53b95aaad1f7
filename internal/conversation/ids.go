// ABOUTME: Canonical conversation identifiers derived from an unordered participant pair
// ABOUTME: Commutative and lookup-free so concurrent get-or-create calls target one key

package conversation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Separator joins the two sorted uids of a conversation id.
const Separator = "_"

// MaxUIDLength bounds a uid in bytes.
const MaxUIDLength = 128

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// chatuid: printable ASCII without whitespace or the id separator.
	_ = v.RegisterValidation("chatuid", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		for i := 0; i < len(s); i++ {
			b := s[i]
			if b <= ' ' || b >= 0x7f || b == Separator[0] {
				return false
			}
		}
		return true
	})
	return v
}

// ValidateUID reports ErrValidation for a malformed uid.
func ValidateUID(uid string) error {
	if err := validate.Var(uid, fmt.Sprintf("required,max=%d,chatuid", MaxUIDLength)); err != nil {
		return fmt.Errorf("%w: malformed uid %q", ErrValidation, uid)
	}
	return nil
}

// DeriveID returns the canonical conversation id for the pair (a, b).
// DeriveID(a, b) == DeriveID(b, a). Equal uids are ErrInvalidOperation.
func DeriveID(a, b string) (string, error) {
	if err := ValidateUID(a); err != nil {
		return "", err
	}
	if err := ValidateUID(b); err != nil {
		return "", err
	}
	if a == b {
		return "", fmt.Errorf("%w: cannot message yourself", ErrInvalidOperation)
	}
	if b < a {
		a, b = b, a
	}
	return a + Separator + b, nil
}

// ParticipantsOf splits a canonical id back into its sorted pair.
func ParticipantsOf(id string) ([2]string, error) {
	a, b, ok := strings.Cut(id, Separator)
	if !ok {
		return [2]string{}, fmt.Errorf("%w: malformed conversation id %q", ErrValidation, id)
	}
	canonical, err := DeriveID(a, b)
	if err != nil || canonical != id {
		return [2]string{}, fmt.Errorf("%w: malformed conversation id %q", ErrValidation, id)
	}
	return [2]string{a, b}, nil
}

// describeValidation turns validator output into a short message.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "max":
			parts = append(parts, field+" is too long")
		default:
			parts = append(parts, field+" is invalid")
		}
	}
	return strings.Join(parts, ", ")
}
