// Copyright 2025 Lumenworks

// Package model wraps the external image/video generation provider. The
// dispatcher only needs two facts about a failed call: is it a throttle
// (retry later, shrink capacity) or not.
package model

import (
	"context"
	"errors"
	"fmt"
)

// ImageClient generates one PNG from a text prompt.
type ImageClient interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// VideoJob is the result of starting a video generation. Data is set when
// the provider answered synchronously; otherwise InvocationARN identifies
// the async job for polling.
type VideoJob struct {
	InvocationARN string
	Data          []byte
}

// VideoStatus is one poll of an async video job.
type VideoStatus struct {
	Status    string // processing | completed | failed
	OutputKey string // provider-side object key when completed
	Failure   string
}

// VideoClient drives the provider's async video interface.
type VideoClient interface {
	Start(ctx context.Context, imageJPEG []byte, prompt string) (*VideoJob, error)
	Status(ctx context.Context, invocationARN string) (*VideoStatus, error)
}

// ProviderError is a classified failure from the model provider.
type ProviderError struct {
	Code     string
	Message  string
	throttle bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Code, e.Message)
}

// Throttle reports whether the provider refused the call for capacity
// reasons; service-wide quota exhaustion counts the same as per-account
// throttling.
func (e *ProviderError) Throttle() bool { return e.throttle }

// NewThrottleError builds a throttle-classified provider error.
func NewThrottleError(code, message string) *ProviderError {
	return &ProviderError{Code: code, Message: message, throttle: true}
}

// NewProviderError builds a non-throttle provider error.
func NewProviderError(code, message string) *ProviderError {
	return &ProviderError{Code: code, Message: message}
}

// IsThrottle reports whether err is a capacity refusal anywhere in its
// chain.
func IsThrottle(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Throttle()
}
