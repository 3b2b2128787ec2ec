package security

import (
	"encoding/json"
	"strconv"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"VeChat/module/chat/model"
	"VeChat/tools/errs"
)

// 令牌里的身份声明
const (
	ClaimSubject   = "sub"
	ClaimID        = "id"
	ClaimUserType  = "userType"
	ClaimFirstName = "prenom"
	ClaimLastName  = "nom"
	ClaimName      = "name"
	ClaimRole      = "role"
)

// Validator 把握手凭证换成已认证身份
type Validator interface {
	Validate(token string) (*model.Principal, error)
}

type JWTValidator struct {
	opts Options
}

func NewJWTValidator(opts Options) *JWTValidator {
	return &JWTValidator{opts: opts}
}

var _ Validator = (*JWTValidator)(nil)

// Validate 失败统一返回 Unauthorized（过期单独区分），不泄露具体原因给客户端
func (v *JWTValidator) Validate(token string) (*model.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errs.ErrUnauthorized.WrapMsg("missing credential")
	}
	claims, err := Verify(v.opts, token)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return nil, errs.ErrTokenExpired.WrapMsg("token expired")
		}
		return nil, errs.ErrUnauthorized.WrapMsg("invalid credential: " + err.Error())
	}
	return PrincipalFromClaims(claims.MapClaims)
}

// PrincipalFromClaims id 取 sub，缺省回落到 id；userType 必须是合法身份类别
func PrincipalFromClaims(claims jwtlib.MapClaims) (*model.Principal, error) {
	id := claimString(claims, ClaimSubject)
	if id == "" {
		id = claimString(claims, ClaimID)
	}
	if id == "" {
		return nil, errs.ErrUnauthorized.WrapMsg("credential carries no subject")
	}
	kind, err := model.ParseKind(claimString(claims, ClaimUserType))
	if err != nil {
		return nil, errs.ErrUnauthorized.WrapMsg("credential carries no valid userType")
	}

	name := claimString(claims, ClaimName)
	if name == "" {
		name = strings.TrimSpace(claimString(claims, ClaimFirstName) + " " + claimString(claims, ClaimLastName))
	}
	return &model.Principal{
		Identity:    model.NewIdentity(id, kind),
		DisplayName: name,
		Role:        claimString(claims, ClaimRole),
	}, nil
}

// claimString 数字 id 按十进制整数输出
func claimString(claims jwtlib.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
