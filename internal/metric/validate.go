package metric

import (
	"errors"
	"fmt"
	"html"
	"math"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

const (
	// MaxSafeInteger bounds accepted values so they survive a round trip
	// through clients that store numbers as doubles.
	MaxSafeInteger = 9007199254740991

	maxSanitizedLength = 10000
)

var (
	typePattern = regexp.MustCompile(`^[a-zA-Z0-9\s\-_]+$`)
	stripChars  = strings.NewReplacer("<", "", ">", "", "'", "", `"`, "", "&", "")
)

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidationError lists the rejected fields of an input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Validator sanitizes and validates metric input.
type Validator struct {
	validate  *validator.Validate
	sanitizer *bluemonday.Policy
}

// NewValidator returns a validator with the metric rules registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Registration only fails for empty tags.
	_ = v.RegisterValidation("metrictype", func(fl validator.FieldLevel) bool {
		return typePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("metricunit", func(fl validator.FieldLevel) bool {
		return Unit(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("safenumber", func(fl validator.FieldLevel) bool {
		return SafeNumber(fl.Field().Float())
	})

	return &Validator{validate: v, sanitizer: bluemonday.StrictPolicy()}
}

// Sanitize strips markup and the characters <>'"& from s, trims it and caps
// its length.
func (v *Validator) Sanitize(s string) string {
	s = html.UnescapeString(v.sanitizer.Sanitize(s))
	s = strings.TrimSpace(stripChars.Replace(s))
	if r := []rune(s); len(r) > maxSanitizedLength {
		s = string(r[:maxSanitizedLength])
	}
	return s
}

// SafeNumber reports whether f is finite and within ±MaxSafeInteger.
func SafeNumber(f float64) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return false
	}
	return f >= -MaxSafeInteger && f <= MaxSafeInteger
}

// Create sanitizes the type name and validates a new metric.
func (v *Validator) Create(in CreateInput) (CreateInput, error) {
	in.Type = v.Sanitize(in.Type)
	if err := v.check(in); err != nil {
		return CreateInput{}, err
	}
	return in, nil
}

// Update validates a value update.
func (v *Validator) Update(in UpdateInput) error {
	return v.check(in)
}

// ID validates a metric id.
func (v *Validator) ID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{Fields: []FieldError{{Field: "id", Tag: "uuid", Message: "Invalid metric ID format"}}}
	}
	return nil
}

func (v *Validator) check(in any) error {
	err := v.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	out := &ValidationError{}
	for _, fe := range fieldErrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Field() + "." + fe.Tag() {
	case "type.required":
		return "Metric type is required"
	case "type.max":
		return "Metric type must be less than 100 characters"
	case "type.metrictype":
		return "Metric type contains invalid characters"
	case "value.safenumber":
		return "Value must be a finite number within the safe integer range"
	case "unit.required", "unit.metricunit":
		return "Unit must be one of percentage, temperature, count, bytes, seconds, milliseconds, currency"
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}
