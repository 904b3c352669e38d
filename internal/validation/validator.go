// Geofenced - Real-Time Geofencing Engine for Tourist Safety
// Copyright 2026 TourSafe Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/toursafe/geofenced

// Package validation provides struct validation using go-playground/validator
// v10. It exposes a thread-safe singleton validator with custom rules for
// geographic coordinates and zone names, and translates failures into the
// engine's structured error format.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/toursafe/geofenced/internal/errs"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// zoneNamePattern matches valid zone names: 3-100 chars of letters, digits,
// spaces, underscores, and hyphens.
var zoneNamePattern = regexp.MustCompile(`^[A-Za-z0-9 _-]{3,100}$`)

// Validator returns the singleton validator instance, initializing it and
// registering custom validators on first use.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Custom validators. Registration only fails for empty tag names,
		// which would be a programming error.
		mustRegister("latitude", func(fl validator.FieldLevel) bool {
			v := fl.Field().Float()
			return v >= -90 && v <= 90
		})
		mustRegister("longitude", func(fl validator.FieldLevel) bool {
			v := fl.Field().Float()
			return v >= -180 && v <= 180
		})
		mustRegister("zonename", func(fl validator.FieldLevel) bool {
			return zoneNamePattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

func mustRegister(tag string, fn validator.Func) {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validator %q: %v", tag, err))
	}
}

// ValidateStruct validates a struct using its validate tags and returns a
// structured Validation error listing every failed field.
func ValidateStruct(s any) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return errs.Wrap(errs.KindValidation, "invalid value passed to validator", err)
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errs.Wrap(errs.KindValidation, "validation failed", err)
	}

	messages := make([]string, 0, len(fieldErrs))
	fields := make([]map[string]any, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		messages = append(messages, describe(fe))
		fields = append(fields, map[string]any{
			"field": fe.Field(),
			"tag":   fe.Tag(),
			"param": fe.Param(),
		})
	}

	return errs.New(errs.KindValidation, strings.Join(messages, "; ")).
		WithDetail("fields", fields)
}

// describe produces a human-readable message for a single field error.
func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "latitude":
		return fmt.Sprintf("%s must be between -90 and 90", fe.Field())
	case "longitude":
		return fmt.Sprintf("%s must be between -180 and 180", fe.Field())
	case "zonename":
		return fmt.Sprintf("%s must be 3-100 characters of letters, digits, spaces, underscores, or hyphens", fe.Field())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", fe.Field())
	default:
		return fmt.Sprintf("%s failed validation rule %q", fe.Field(), fe.Tag())
	}
}
