package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type createMonitorRequest struct {
	Keyword           string   `json:"keyword" validate:"required,max=200"`
	TargetSites       []string `json:"target_sites" validate:"required,min=1,max=20,dive,required,knownsite"`
	NotificationEmail string   `json:"notification_email" validate:"omitempty,email"`
}

type testEmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// newValidator builds a validator whose "knownsite" rule accepts a site equal
// to, or a subdomain of, one of known. An empty list accepts any site.
func newValidator(known []string) *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("knownsite", func(fl validator.FieldLevel) bool {
		return isKnownSite(fl.Field().String(), known)
	})
	return v
}

func isKnownSite(site string, known []string) bool {
	if len(known) == 0 {
		return true
	}
	for _, k := range known {
		k = strings.ToLower(strings.TrimSpace(k))
		if site == k || strings.HasSuffix(site, "."+k) {
			return true
		}
	}
	return false
}

// validationMessage flattens validator errors into one client-facing line.
func validationMessage(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		field := jsonField(e.StructField())
		switch e.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "email":
			msgs = append(msgs, fmt.Sprintf("%s must be a valid email address", field))
		case "knownsite":
			msgs = append(msgs, fmt.Sprintf("%s: unsupported site %q", field, e.Value()))
		case "min", "max":
			msgs = append(msgs, fmt.Sprintf("%s must have %s %s", field, e.Tag(), e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, e.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func jsonField(structField string) string {
	base, index, indexed := strings.Cut(structField, "[")
	name := jsonName(base)
	if indexed {
		return name + "[" + index
	}
	return name
}

func jsonName(structField string) string {
	switch structField {
	case "Keyword":
		return "keyword"
	case "TargetSites":
		return "target_sites"
	case "NotificationEmail":
		return "notification_email"
	case "Email":
		return "email"
	default:
		return strings.ToLower(structField)
	}
}
