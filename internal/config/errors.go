package config

import (
	"errors"
	"fmt"
)

// ErrInvalid 是所有语义校验失败的公共哨兵，errors.Is(err, ErrInvalid) 可区分“文件读不到”与“内容不合法”。
var ErrInvalid = errors.New("invalid configuration")

// FieldError 指出具体字段及原因。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e FieldError) Is(target error) bool {
	return target == ErrInvalid
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// originField 拼接 Origin[name].Field 形式的字段路径。
func originField(name, field string) string {
	if name == "" {
		name = "?"
	}
	return fmt.Sprintf("Origin[%s].%s", name, field)
}
