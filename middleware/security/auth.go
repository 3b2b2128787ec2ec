package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"VeChat/module/chat/model"
	"VeChat/tools/errs"
	"VeChat/tools/security"
)

// —— context key ——
// 后续模块统一用这俩 key 读取
const (
	CtxTokenKey     = "authorization" // string
	CtxPrincipalKey = "principal"     // *model.Principal
)

type Options struct {
	// 读取哪个请求头
	HeaderToken               string // 默认 "authorization"
	QueryToken                string // 默认 "token"，浏览器 WebSocket 无法自定义头时使用
	EnableAuthorizationBearer bool   // 默认 true
}

func DefaultOptions() *Options {
	return &Options{
		HeaderToken:               CtxTokenKey,
		QueryToken:                "token",
		EnableAuthorizationBearer: true,
	}
}

// TokenFromRequest 依次尝试 query、自定义头、Authorization: Bearer
func TokenFromRequest(r *http.Request, opts *Options) string {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.QueryToken != "" {
		if tok := strings.TrimSpace(r.URL.Query().Get(opts.QueryToken)); tok != "" {
			return tok
		}
	}
	token := strings.TrimSpace(r.Header.Get(opts.HeaderToken))
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = strings.TrimSpace(token[len("bearer "):])
	}
	if token == "" && opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[len("bearer "):])
			}
		}
	}
	return token
}

// Middleware 校验失败直接 401，成功后主体写入 context
func Middleware(v security.Validator, opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		token := TokenFromRequest(c.Request, opts)
		p, err := v.Validate(token)
		if err != nil {
			ce, _ := errs.As(err)
			if ce == nil {
				ce = &errs.ErrUnauthorized
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": ce.Code, "message": ce.Msg})
			return
		}
		c.Set(CtxTokenKey, token)
		c.Set(CtxPrincipalKey, p)
		c.Next()
	}
}

// PrincipalFrom 读取 Middleware 写入的主体
func PrincipalFrom(c *gin.Context) (*model.Principal, bool) {
	v, ok := c.Get(CtxPrincipalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*model.Principal)
	return p, ok && p != nil
}
