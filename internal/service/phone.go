package service

import (
	"context"
	"encoding/json"
	"strings"

	apperrors "github.com/openclaw/agent-coordinator/internal/errors"
)

const (
	CommandTypeValidatePhone = "validate_phone"
	phoneCheckKind           = "phone_check"
	minPhoneDigits           = 6
	maxPhoneDigits           = 15
)

// Awaiter runs one command synchronously. *CommandService satisfies it.
type Awaiter interface {
	Await(ctx context.Context, params AwaitParams) (*AwaitResult, error)
}

// PhoneCheckService asks the tenant's extension whether a phone number is
// reachable on the messaging service.
type PhoneCheckService struct {
	awaiter Awaiter
}

func NewPhoneCheckService(awaiter Awaiter) *PhoneCheckService {
	return &PhoneCheckService{awaiter: awaiter}
}

func (s *PhoneCheckService) CheckPhone(ctx context.Context, tenantID, phoneNumber string) (*AwaitResult, error) {
	normalized, err := NormalizePhoneNumber(phoneNumber)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{"phoneNumber": normalized})
	if err != nil {
		return nil, apperrors.Internal("encode payload")
	}

	return s.awaiter.Await(ctx, AwaitParams{
		TenantID: tenantID,
		Kind:     phoneCheckKind,
		Type:     CommandTypeValidatePhone,
		Payload:  payload,
	})
}

// NormalizePhoneNumber strips common separators and keeps an optional
// leading '+' followed by 6 to 15 digits.
func NormalizePhoneNumber(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", apperrors.MissingRequired("phoneNumber")
	}

	var b strings.Builder
	digits := 0
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", apperrors.ValidationError("phoneNumber contains invalid characters")
		}
	}

	if digits < minPhoneDigits || digits > maxPhoneDigits {
		return "", apperrors.ValidationError("phoneNumber must have between 6 and 15 digits")
	}
	return b.String(), nil
}
