package middleware

import (
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// InitValidator registers the sortline custom validators with gin's binding
// validator. Safe to call more than once.
func InitValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		registerCustom(validate)

		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			registerCustom(v)
		}
	})
	return validate
}

// GetValidator returns the singleton validator instance
func GetValidator() *validator.Validate {
	if validate == nil {
		return InitValidator()
	}
	return validate
}

func registerCustom(v *validator.Validate) {
	_ = v.RegisterValidation("parcel_id", validateParcelID)
	_ = v.RegisterValidation("chute_id", validateChuteID)
	_ = v.RegisterValidation("barcode", validateBarcode)
	_ = v.RegisterValidation("cart_number", validateCartNumber)

	// Use JSON tag names for error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return fld.Name
		}
		return name
	})
}

var (
	parcelIDRegex   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9\-_]{0,63}$`)
	chuteIDRegex    = regexp.MustCompile(`^[A-Z0-9][A-Z0-9\-]{0,31}$`)
	cartNumberRegex = regexp.MustCompile(`^[a-zA-Z0-9\-]{1,32}$`)
)

func validateParcelID(fl validator.FieldLevel) bool {
	return parcelIDRegex.MatchString(fl.Field().String())
}

func validateChuteID(fl validator.FieldLevel) bool {
	return chuteIDRegex.MatchString(fl.Field().String())
}

func validateBarcode(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	return len(value) >= 4 && len(value) <= 64
}

func validateCartNumber(fl validator.FieldLevel) bool {
	return cartNumberRegex.MatchString(fl.Field().String())
}

// ValidationErrorFormatter formats validation errors into a field map
func ValidationErrorFormatter(err error) map[string]string {
	fields := make(map[string]string)

	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		for _, e := range validationErrors {
			fields[e.Field()] = formatValidationError(e)
		}
	}
	return fields
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	case "gtfield":
		return "must be greater than " + e.Param()
	case "parcel_id":
		return "must be a valid parcel id"
	case "chute_id":
		return "must be a valid chute id (uppercase alphanumeric)"
	case "barcode":
		return "must be 4-64 characters"
	case "cart_number":
		return "must be a valid cart number"
	default:
		return "is invalid"
	}
}
