package cv

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownSection 不属于草稿的分区名
var ErrUnknownSection = errors.New("unknown section")

// ErrDraftNotLoaded 存储中的草稿尚未读出时，修改无法落盘
var ErrDraftNotLoaded = errors.New("stored draft not loaded")

// FieldError 单个 JSON 路径上的 schema 校验错误
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError 在修改触及草稿之前拒绝它
type ValidationError struct {
	Field   string
	Message string
	Details []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	var sb strings.Builder
	sb.WriteString("validation failed:")
	for i, d := range e.Details {
		fmt.Fprintf(&sb, " %d. %s: %s;", i+1, d.Field, d.Message)
	}
	return strings.TrimSuffix(sb.String(), ";")
}

// PersistError 修改已在内存生效，但未能写入存储
// 返回的草稿仍是该会话的权威状态
type PersistError struct {
	Session string
	Op      string
	Err     error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist draft %s (%s): %v", e.Session, e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// IsPersistError 判断 err 是否包含 *PersistError
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}
