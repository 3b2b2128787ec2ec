package safe

import (
	"VeChat/logger"
	"VeChat/tools/errs"
)

// Deref 指针为 nil 时返回 fallback
func Deref[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}

// Run 同步执行 f，panic 转成 Internal 错误返回并记日志
func Run(name string, f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
			logger.Errorf("[safe] %s panic recovered: %+v", name, err)
		}
	}()
	f()
	return nil
}

// Go 启动一个带 recover 的协程，panic 不会带垮整个进程
func Go(name string, f func()) {
	go func() { _ = Run(name, f) }()
}
