package task

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Task types produced by the authentication flows.
const (
	TypeEmailRegistration  = "email_registration"
	TypeEmailPasswordReset = "email_password_reset"
	TypeEmailNotification  = "email_notification"
)

// EmailRegistrationTask asks for a verification email to a new account.
type EmailRegistrationTask struct {
	To              string `json:"to" validate:"required,email"`
	Name            string `json:"name"`
	VerificationURL string `json:"verification_url" validate:"required,url"`
}

// EmailPasswordResetTask asks for a password reset email.
type EmailPasswordResetTask struct {
	To          string `json:"to" validate:"required,email"`
	Name        string `json:"name"`
	ResetURL    string `json:"reset_url" validate:"required,url"`
	ExpiryHours int    `json:"expiry_hours" validate:"gte=0"`
}

// EmailNotificationTask carries a free-form notification email.
type EmailNotificationTask struct {
	To      string `json:"to" validate:"required,email"`
	Subject string `json:"subject" validate:"required,max=255"`
	Message string `json:"message"`
}

// DecodePayload unmarshals payload into v. Producers sometimes wrap the body
// as {"data": {...}}; a payload whose only key is "data" is unwrapped first.
func DecodePayload(payload json.RawMessage, v any) error {
	body := bytes.TrimSpace(payload)
	if len(body) == 0 {
		return fmt.Errorf("%w: empty payload", ErrSerialization)
	}

	if body[0] == '{' {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(body, &envelope); err == nil && len(envelope) == 1 {
			if data, ok := envelope["data"]; ok {
				body = data
			}
		}
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}
