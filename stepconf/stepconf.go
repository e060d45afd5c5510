// Package stepconf reads configuration from environment variables into tagged structs.
//
// Fields are bound with the env tag: `env:"name"` or `env:"name,constraint"`.
// Supported constraints: required, file, dir, opt[a,b,'c,d'] and range[min..max].
// A range bound is exclusive when its bracket is turned outwards, for example range]0..1].
package stepconf

import (
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/bitrise-io/go-utils/colorstring"
	"github.com/bitrise-io/go-utils/v2/env"
)

const (
	tag            = "env"
	sliceSeparator = "|"
	unsetValue     = "<unset>"
)

var (
	// ErrNotStructPtr indicates a type is not a pointer to a struct.
	ErrNotStructPtr = errors.New("must be a pointer to a struct")
	// ErrRequired indicates a required field is missing.
	ErrRequired = errors.New("required variable is not present")
	// ErrNotInOptions indicates the value is not one of the allowed options.
	ErrNotInOptions = errors.New("value is not in value options")
	// ErrOutOfRange indicates the value is outside of the allowed range.
	ErrOutOfRange = errors.New("value is out of range")
)

// EnvGetter ...
type EnvGetter interface {
	Get(key string) string
}

// Secret variables are not shows in the printed output.
type Secret string

const secret = "*****"

// String implements fmt.Stringer.String.
// When a Secret is printed, it's masking the underlying string with asterisks.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secret
}

// ParseError occurs when a struct field cannot be set.
type ParseError struct {
	Field string
	Value string
	Err   error
}

// Error implements builtin errors.Error.
func (e *ParseError) Error() string {
	segments := []string{e.Field}
	if e.Value != "" {
		segments = append(segments, e.Value)
	}
	segments = append(segments, e.Err.Error())
	return strings.Join(segments, ": ")
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Print the name of the struct with Title case in blue color with followed by a newline,
// then print all fields formatted as '- field name: field value` separated by newline.
func Print(config interface{}) {
	fmt.Print(toString(config))
}

// Parse populates a struct with the retrieved values from environment variables
// described by struct tags and applies the defined validations.
func Parse(conf interface{}) error {
	return parse(conf, env.NewRepository())
}

func parse(conf interface{}, envs EnvGetter) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr {
		return ErrNotStructPtr
	}
	c = c.Elem()
	if c.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	t := c.Type()

	var errs []error
	for i := 0; i < c.NumField(); i++ {
		field := t.Field(i)
		tagValue, ok := field.Tag.Lookup(tag)
		if !ok {
			continue
		}
		key, constraint := parseTag(tagValue)
		value := envs.Get(key)

		if err := setField(c.Field(i), value, constraint); err != nil {
			errs = append(errs, &ParseError{Field: field.Name, Value: value, Err: err})
		}
	}

	if len(errs) > 0 {
		msg := "failed to parse config:"
		for _, err := range errs {
			msg += fmt.Sprintf("\n- %s", err)
		}
		msg += fmt.Sprintf("\n\n%s", toString(conf))
		return errors.New(msg)
	}
	return nil
}

func parseTag(tagValue string) (string, string) {
	key, constraint, _ := strings.Cut(tagValue, ",")
	return key, constraint
}

func setField(field reflect.Value, value, constraint string) error {
	if err := validateConstraint(value, constraint); err != nil {
		return err
	}
	if value == "" {
		return nil
	}

	if field.Kind() == reflect.Ptr {
		// If field is a pointer type, then set its value to be a pointer to a new zero value, matching field underlying type.
		field.Set(reflect.New(field.Type().Elem()))
		field = field.Elem()
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return errors.New("can't convert to bool")
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to int")
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to uint")
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return errors.New("can't convert to float")
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type())
		}
		field.Set(reflect.ValueOf(strings.Split(value, sliceSeparator)))
	default:
		return fmt.Errorf("type is not supported (%s)", field.Kind())
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(value)
}

func validateConstraint(value, constraint string) error {
	switch {
	case constraint == "":
		return nil
	case constraint == "required":
		if value == "" {
			return ErrRequired
		}
	case constraint == "file":
		return checkPath(value, false)
	case constraint == "dir":
		return checkPath(value, true)
	case strings.HasPrefix(constraint, "opt["):
		if !contains(value, optionValues(constraint)) {
			return ErrNotInOptions
		}
	case strings.HasPrefix(constraint, "range"):
		return validateRange(value, constraint)
	default:
		return fmt.Errorf("invalid constraint (%s)", constraint)
	}
	return nil
}

func checkPath(path string, dir bool) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.New("path does not exist")
		}
		return err
	}
	if dir && !info.IsDir() {
		return errors.New("path is not a directory")
	}
	if !dir && info.IsDir() {
		return errors.New("path is a directory")
	}
	return nil
}

// optionValues splits the list of opt[...], values containing commas are wrapped in single quotes.
func optionValues(constraint string) []string {
	list := strings.TrimSuffix(strings.TrimPrefix(constraint, "opt["), "]")

	var (
		values  []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range list {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ',' && !quoted:
			values = append(values, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(values, current.String())
}

func contains(s string, opts []string) bool {
	for _, opt := range opts {
		if opt == s {
			return true
		}
	}
	return false
}

func validateRange(value, constraint string) error {
	if value == "" {
		return nil
	}

	bounds := strings.TrimPrefix(constraint, "range")
	if len(bounds) < 2 {
		return fmt.Errorf("invalid range constraint (%s)", constraint)
	}
	minInclusive := bounds[0] == '['
	maxInclusive := bounds[len(bounds)-1] == ']'
	if (bounds[0] != '[' && bounds[0] != ']') || (bounds[len(bounds)-1] != '[' && bounds[len(bounds)-1] != ']') {
		return fmt.Errorf("invalid range constraint (%s)", constraint)
	}

	minValue, maxValue, ok := strings.Cut(bounds[1:len(bounds)-1], "..")
	if !ok {
		return fmt.Errorf("invalid range constraint (%s)", constraint)
	}
	lower, err := parseBound(minValue, math.Inf(-1))
	if err != nil {
		return fmt.Errorf("invalid range constraint (%s): %w", constraint, err)
	}
	upper, err := parseBound(maxValue, math.Inf(1))
	if err != nil {
		return fmt.Errorf("invalid range constraint (%s): %w", constraint, err)
	}

	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return errors.New("can't convert to number")
	}

	if n < lower || (n == lower && !minInclusive) || n > upper || (n == upper && !maxInclusive) {
		return ErrOutOfRange
	}
	return nil
}

func parseBound(s string, open float64) (float64, error) {
	if s == "" {
		return open, nil
	}
	return strconv.ParseFloat(s, 64)
}

// valueString returns the string representation of a value, dereferencing pointers.
func valueString(v reflect.Value) string {
	if v.Kind() != reflect.Ptr {
		return fmt.Sprintf("%v", v.Interface())
	}
	if v.IsNil() {
		return ""
	}
	return fmt.Sprintf("%v", v.Elem().Interface())
}

func toString(config interface{}) string {
	v := reflect.ValueOf(config)
	t := reflect.TypeOf(config)

	if v.Kind() == reflect.Ptr {
		v = v.Elem()
		t = t.Elem()
	}

	str := colorstring.Bluef("%s:\n", titleCase(t.Name()))
	for i := 0; i < t.NumField(); i++ {
		key, _ := parseTag(t.Field(i).Tag.Get(tag))
		if key == "" {
			key = t.Field(i).Name
		}

		value := unsetValue
		if !v.Field(i).IsZero() {
			value = valueString(v.Field(i))
		}
		str += fmt.Sprintf("- %s: %s\n", key, value)
	}

	return str
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
