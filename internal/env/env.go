// Package env fills configuration structs from environment variables
// declared through `env:"VAR"` struct tags.
package env

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"
)

// Validator is implemented by config structs that check themselves
// after loading.
type Validator interface {
	Validate() error
}

// InvalidValueError reports an environment value that does not parse
// into its field's type.
type InvalidValueError struct {
	EnvVar string
	Field  string
	Value  string
	Err    error
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value for %s=%q (field %s): %v", e.EnvVar, e.Value, e.Field, e.Err)
}

func (e *InvalidValueError) Unwrap() error { return e.Err }

// Load fills cfg, a pointer to struct, from the environment. Fields
// tagged `env:"VAR"` take the value of VAR when it is set; unset
// variables leave the field untouched, so defaults belong to the
// caller. Nested structs load recursively. Any struct implementing
// Validator, cfg included, is validated after loading.
//
// Supported field types: string, bool, the int kinds and time.Duration
// (Go duration syntax).
func Load(cfg any) error {
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("env.Load: want pointer to struct, got %T", cfg)
	}
	if err := loadStruct(v.Elem()); err != nil {
		return err
	}
	if val, ok := cfg.(Validator); ok {
		return val.Validate()
	}
	return nil
}

func loadStruct(v reflect.Value) error {
	t := v.Type()
	for i := range v.NumField() {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}

		// time.Time is a struct but never a config section.
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(field); err != nil {
				return err
			}
			if field.CanAddr() {
				if val, ok := field.Addr().Interface().(Validator); ok {
					if err := val.Validate(); err != nil {
						return err
					}
				}
			}
			continue
		}

		key := t.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}
		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return &InvalidValueError{EnvVar: key, Field: t.Field(i).Name, Value: raw, Err: err}
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
