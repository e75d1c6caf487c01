// Package check provides validation helpers for configuration structs.
package check

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Validatable is implemented by anything that has fields that should be validated.
type Validatable interface {
	Validate() []error
}

type validationError struct {
	errs []error
}

func (v validationError) Error() string {
	errStrings := make([]string, 0, len(v.errs))
	for _, err := range v.errs {
		errStrings = append(errStrings, err.Error())
	}
	sort.Strings(errStrings)
	return fmt.Sprintf("check failed! %d errors found:\n\t%s",
		len(v.errs), strings.Join(errStrings, "\n\t"))
}

// Validate walks v recursively and returns an error combining the failures of
// every Validatable encountered, or nil if all of them pass.
func Validate(v interface{}) error {
	errs := validate(reflect.ValueOf(v), "root")
	if len(errs) == 0 {
		return nil
	}
	return validationError{errs: errs}
}

func validate(v reflect.Value, path string) []error {
	var errs []error
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		errs = append(errs, validate(v.Elem(), path)...)
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			errs = append(errs, validate(v.Index(i), fmt.Sprintf("%s[%d]", path, i))...)
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			errs = append(errs, validate(v.MapIndex(key),
				fmt.Sprintf("%s[%v]", path, key.Interface()))...)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Field(i).CanInterface() {
				continue
			}
			errs = append(errs, validate(v.Field(i),
				fmt.Sprintf("%s.%s", path, v.Type().Field(i).Name))...)
		}
	}

	if v.Kind() != reflect.Ptr {
		vp := reflect.New(v.Type())
		vp.Elem().Set(v)
		if validatable, ok := vp.Interface().(Validatable); ok {
			for _, err := range validatable.Validate() {
				if err != nil {
					errs = append(errs, errors.Wrapf(err, "error found at %s", path))
				}
			}
		}
	}

	return errs
}

func message(defaultMsg string, msgAndArgs []interface{}) string {
	switch {
	case len(msgAndArgs) == 1:
		return fmt.Sprintf("%v", msgAndArgs[0])
	case len(msgAndArgs) > 1:
		return fmt.Sprintf(msgAndArgs[0].(string), msgAndArgs[1:]...)
	}
	return defaultMsg
}

// True returns an error unless condition holds.
func True(condition bool, msgAndArgs ...interface{}) error {
	if condition {
		return nil
	}
	return errors.New(message("condition failed", msgAndArgs))
}

// NotEmpty returns an error unless s is a non-empty string.
func NotEmpty(s string, msgAndArgs ...interface{}) error {
	return True(s != "", message("string must be non-empty", msgAndArgs))
}

// In returns an error unless value is one of allowed.
func In(value string, allowed []string, msgAndArgs ...interface{}) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return True(false, message(
		fmt.Sprintf("%q is not in {%s}", value, strings.Join(allowed, ", ")), msgAndArgs))
}

// GreaterThan returns an error unless value > minimum.
func GreaterThan(value, minimum int, msgAndArgs ...interface{}) error {
	return True(value > minimum, message(
		fmt.Sprintf("%d must be greater than %d", value, minimum), msgAndArgs))
}

// GreaterThanOrEqualTo returns an error unless value >= minimum.
func GreaterThanOrEqualTo(value, minimum int, msgAndArgs ...interface{}) error {
	return True(value >= minimum, message(
		fmt.Sprintf("%d must be greater than or equal to %d", value, minimum), msgAndArgs))
}
