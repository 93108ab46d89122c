package config

import (
	"errors"
	"fmt"
)

// FieldError 定位到具体配置字段，CLI 直接打印 Error()，调用方可用 errors.As 取出字段名。
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// wrapFieldError 保留底层错误，便于 errors.Is 判断。
func wrapFieldError(field string, err error) error {
	if err == nil {
		return nil
	}
	var fe FieldError
	if errors.As(err, &fe) {
		return err
	}
	return FieldError{Field: field, Reason: err.Error(), Err: err}
}

// originField 输出 Origin[name].Field 形式的字段路径。
func originField(name, field string) string {
	if name == "" {
		return "Origin[]." + field
	}
	return fmt.Sprintf("Origin[%s].%s", name, field)
}
