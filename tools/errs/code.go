package errs

// 错误码与 HTTP 状态码对齐，便于 REST 直接透传
const (
	InvalidArgument     = 400
	Unauthorized        = 401
	Forbidden           = 403
	NotFound            = 404
	ServerInternalError = 500
)

var (
	ErrArgs         = NewCodeError(InvalidArgument, "InvalidArgument")
	ErrUnauthorized = NewCodeError(Unauthorized, "Unauthorized")
	ErrTokenExpired = NewCodeError(Unauthorized, "TokenExpired")
	ErrForbidden    = NewCodeError(Forbidden, "Forbidden")
	ErrNotFound     = NewCodeError(NotFound, "NotFound")
	ErrInternal     = NewCodeError(ServerInternalError, "Internal")
)

// IsNotFound is a shortcut used by stores and the directory.
func IsNotFound(err error) bool { return ErrNotFound.Is(err) }
