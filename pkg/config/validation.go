package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Struct-tag validation covers the declarative constraints; the custom rules
// cover cross-field conditions tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// A badger store needs somewhere to put its files.
	if cfg.Store.Type == "badger" {
		path, _ := cfg.Store.Badger["path"].(string)
		if path == "" {
			return fmt.Errorf("store.badger: path is required")
		}
	}

	// An error rate without a kind would silently fail server-side only;
	// require the choice to be explicit.
	if cfg.Server.ErrorRate > 0 && cfg.Server.ErrorKind == "" {
		return fmt.Errorf("server: error_kind is required when error_rate is set")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly
// messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
