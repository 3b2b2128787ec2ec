package middleware

import (
	"github.com/gin-gonic/gin"

	midsec "VeChat/middleware/security"
	"VeChat/tools/security"
)

// 配置选项
type RouteOpt struct {
	IsAuth bool
}

// Routes 绑定一个校验器，IsAuth 的路由统一挂鉴权中间件
type Routes struct {
	r    gin.IRoutes
	auth gin.HandlerFunc
}

func NewRoutes(r gin.IRoutes, v security.Validator) *Routes {
	return &Routes{r: r, auth: midsec.Middleware(v, midsec.DefaultOptions())}
}

// 封装 POST
func (rs *Routes) POST(path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		rs.r.POST(path, rs.auth, handler)
	} else {
		rs.r.POST(path, handler)
	}
}

// 封装 GET
func (rs *Routes) GET(path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		rs.r.GET(path, rs.auth, handler)
	} else {
		rs.r.GET(path, handler)
	}
}

// 封装 PUT
func (rs *Routes) PUT(path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		rs.r.PUT(path, rs.auth, handler)
	} else {
		rs.r.PUT(path, handler)
	}
}

// 封装 DELETE
func (rs *Routes) DELETE(path string, handler gin.HandlerFunc, opt RouteOpt) {
	if opt.IsAuth {
		rs.r.DELETE(path, rs.auth, handler)
	} else {
		rs.r.DELETE(path, handler)
	}
}
