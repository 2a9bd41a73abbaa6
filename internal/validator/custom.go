package validator

import (
	"bytes"
	"encoding/json"
	"net"
	"reflect"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var nameValidRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

func nameValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}

	return nameValidRegex.MatchString(val)
}

// queryDocumentValidator accepts a byte slice holding a JSON object.
func queryDocumentValidator(fl validator.FieldLevel) bool {
	field := fl.Field()
	if field.Kind() != reflect.Slice || field.Type().Elem().Kind() != reflect.Uint8 {
		return false
	}

	doc := bytes.TrimSpace(field.Bytes())
	if len(doc) == 0 || doc[0] != '{' {
		return false
	}

	return json.Valid(doc)
}

// dashboardAddressValidator accepts an empty value or a host:port pair.
func dashboardAddressValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}

	if val == "" {
		return true
	}

	_, port, err := net.SplitHostPort(val)
	return err == nil && port != ""
}
