package lifecycle

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// PreconditionError 资源状态不满足操作前置条件
type PreconditionError struct {
	Resource string
	ID       string
	Current  Status
	Allowed  []Status
}

func (e *PreconditionError) Error() string {
	names := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		names[i] = string(s)
	}
	return fmt.Sprintf("%s %s status is %s but must be in [%s]", e.Resource, e.ID, e.Current, strings.Join(names, ", "))
}

// DependencyError 资源仍被其他对象使用
type DependencyError struct {
	Resource   string
	ID         string
	Dependants []string // 例如: volumes, images
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s %s has %s", e.Resource, e.ID, strings.Join(e.Dependants, " and "))
}

// IsPreconditionError err链中是否有PreconditionError
func IsPreconditionError(err error) bool {
	var se *PreconditionError
	return errors.As(err, &se)
}

// IsDependencyError err链中是否有DependencyError
func IsDependencyError(err error) bool {
	var de *DependencyError
	return errors.As(err, &de)
}

// IsValidation 是否为副作用发生之前的校验错误
func IsValidation(err error) bool {
	return IsPreconditionError(err) || IsDependencyError(err) ||
		errors.Is(err, errors.NotFound) ||
		errors.Is(err, errors.AlreadyExists) ||
		errors.Is(err, errors.NotValid)
}

// Invalid 参数校验失败
func Invalid(err error, format string, args ...any) error {
	return errors.NewNotValid(err, fmt.Sprintf(format, args...))
}
