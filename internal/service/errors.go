package service

import (
	"errors"
)

var (
	ErrInvalidLineItem          = errors.New("invalid line item")
	ErrInvalidShippingAddress   = errors.New("invalid shipping address")
	ErrInvalidInput             = errors.New("invalid input")
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	ErrPaymentDeclined          = errors.New("payment declined")

	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrIgnoredEvent marks gateway callbacks that carry nothing to act on.
	ErrIgnoredEvent = errors.New("ignored gateway event")

	ErrNotFound = errors.New("not found")

	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrContentUnavailable = errors.New("content unavailable")

	ErrTamperedPayload = errors.New("tampered payload")
	ErrInvalidToken    = errors.New("invalid token")
	ErrRevoked         = errors.New("grant revoked")
	ErrExpired         = errors.New("grant expired")
	ErrDeviceMismatch  = errors.New("device mismatch")
	ErrAccessDenied    = errors.New("access denied")
	ErrForbidden       = errors.New("forbidden")

	ErrDoublePayment = errors.New("double payment refused")
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindDependency Kind = "dependency"
	KindSecurity   Kind = "security"
	KindIntegrity  Kind = "integrity"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

var kinds = []struct {
	kind Kind
	errs []error
}{
	{KindIntegrity, []error{ErrDoublePayment}},
	{KindSecurity, []error{ErrTamperedPayload, ErrInvalidToken, ErrRevoked, ErrExpired, ErrDeviceMismatch, ErrAccessDenied, ErrForbidden}},
	{KindValidation, []error{ErrInvalidLineItem, ErrInvalidShippingAddress, ErrInvalidInput, ErrUnsupportedPaymentMethod, ErrPaymentDeclined}},
	{KindConflict, []error{ErrInvalidStateTransition, ErrIgnoredEvent}},
	{KindNotFound, []error{ErrNotFound}},
	{KindDependency, []error{ErrGatewayUnavailable, ErrContentUnavailable}},
}

// Classify places err in the error taxonomy. Unknown errors are internal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		for _, target := range k.errs {
			if errors.Is(err, target) {
				return k.kind
			}
		}
	}
	return KindInternal
}
