package workerapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/nef-run/nef/internal/protocol"
)

// validatorInstance is shared across dispatch calls the way the teacher's
// gin-adjacent packages share a single go-playground/validator instance;
// it caches struct reflection metadata and is safe for concurrent use.
var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		validatorInst = validator.New()
	})
	return validatorInst
}

// unmarshalStrict decodes rawArgs into v, rejecting unknown fields so a
// typo'd argument name surfaces as BADARG instead of being silently
// dropped.
func unmarshalStrict(rawArgs []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(rawArgs))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// validateValue runs struct-tag validation over v. Non-struct values and
// nil are accepted as-is, since not every method takes or returns
// structured data.
func validateValue(v interface{}) error {
	if v == nil {
		return nil
	}
	if err := getValidator().Struct(v); err != nil {
		if _, ok := err.(*validator.InvalidValidationError); ok {
			// v isn't a struct (or a pointer to one); nothing to validate.
			return nil
		}
		return err
	}
	return nil
}

// validateArgs applies validateValue to decoded request arguments
// (spec.md §4.5 step 1), surfacing failures as BADARG.
func validateArgs(v interface{}) *protocol.Error {
	if err := validateValue(v); err != nil {
		return protocol.NewBadArg(fmt.Sprintf("validation failed: %v", err), err)
	}
	return nil
}

// validateOutput applies validateValue to a handler's return value
// (spec.md §4.5 step 4), surfacing failures as INTERNAL: a handler
// returning a value that fails its own output schema is a worker bug,
// not a caller mistake.
func validateOutput(v interface{}) *protocol.Error {
	if err := validateValue(v); err != nil {
		return protocol.NewInternal(fmt.Sprintf("output validation failed: %v", err), err)
	}
	return nil
}
