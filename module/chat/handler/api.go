// Package handler exposes the chat read model over REST.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"VeChat/logger"
	"VeChat/middleware"
	midsec "VeChat/middleware/security"
	"VeChat/module/chat/model"
	"VeChat/service/chat"
	"VeChat/tools/errs"
	"VeChat/tools/safe"
	"VeChat/tools/security"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxPresenceIDs  = 200
	requestTimeout  = 10 * time.Second

	defaultSearchSize = 20
	maxSearchSize     = 100
)

type API struct {
	hub *chat.Hub
}

func NewAPI(hub *chat.Hub) *API { return &API{hub: hub} }

// Register 全部路由都要鉴权
func (a *API) Register(r gin.IRoutes, v security.Validator) {
	rs := middleware.NewRoutes(r, v)
	auth := middleware.RouteOpt{IsAuth: true}
	rs.GET("/api/vechat/conversations", a.conversations, auth)
	rs.POST("/api/vechat/conversations", a.openConversation, auth)
	rs.DELETE("/api/vechat/conversations/:id", a.deleteConversation, auth)
	rs.GET("/api/vechat/conversations/:id/messages", a.messages, auth)
	rs.DELETE("/api/vechat/conversations/:id/messages", a.clearConversation, auth)
	rs.POST("/api/vechat/conversations/:id/archive", a.flag(model.FlagArchived), auth)
	rs.POST("/api/vechat/conversations/:id/mute", a.flag(model.FlagMuted), auth)
	rs.POST("/api/vechat/conversations/:id/reset-unread", a.resetUnread, auth)
	rs.POST("/api/vechat/messages", a.sendMessage, auth)
	rs.GET("/api/vechat/messages/search", a.search, auth)
	rs.POST("/api/vechat/messages/read", a.markRead, auth)
	rs.PUT("/api/vechat/messages/:id", a.editMessage, auth)
	rs.DELETE("/api/vechat/messages/:id", a.deleteMessage, auth)
	rs.GET("/api/vechat/contacts", a.contacts, auth)
	rs.GET("/api/vechat/settings", a.settings, auth)
	rs.PUT("/api/vechat/settings", a.updateSettings, auth)
	rs.GET("/api/vechat/presence", a.presence, auth)
	rs.GET("/api/vechat/stats", a.stats, auth)
}

type flagBody struct {
	Value *bool `json:"value"`
}

type markReadBody struct {
	MessageIDs []string `json:"messageIds"`
}

type openBody struct {
	ParticipantID   string `json:"participantId"`
	ParticipantKind string `json:"participantKind"`
}

type editBody struct {
	Content string `json:"content"`
}

func (a *API) conversations(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	st, err := a.hub.Synchronizer().BuildState(ctx, p.Identity, model.SyncFull, "", nil)
	if err != nil {
		fail(c, err)
		return
	}
	ok200(c, st)
}

// messages ?before=<RFC3339 或毫秒时间戳>&limit=
func (a *API) messages(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	before, err := parseBefore(c.Query("before"))
	if err != nil {
		fail(c, err)
		return
	}
	limit := defaultPageSize
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			fail(c, errs.ErrArgs.WrapMsg("limit must be a positive integer", "limit", s))
			return
		}
		limit = min(n, maxPageSize)
	}
	msgs, err := a.hub.Delivery().ListMessages(ctx, p.Identity, c.Param("id"), before, limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok200(c, gin.H{"messages": msgs})
}

// flag body 为空时置 true
func (a *API) flag(flag model.ConversationFlag) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ctx, cancel, ok := a.begin(c)
		if !ok {
			return
		}
		defer cancel()
		var body flagBody
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&body); err != nil {
				fail(c, errs.ErrArgs.WrapMsg("bad body: "+err.Error()))
				return
			}
		}
		v := safe.Deref(body.Value, true)
		conv, effects, err := a.hub.Synchronizer().SetFlag(ctx, p.Identity, c.Param("id"), flag, v)
		if err != nil {
			fail(c, err)
			return
		}
		a.hub.Emitter().Emit(ctx, effects...)
		ok200(c, gin.H{"conversation": conv})
	}
}

func (a *API) markRead(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	var body markReadBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errs.ErrArgs.WrapMsg("bad body: "+err.Error()))
		return
	}
	res, err := a.hub.MarkRead(ctx, p.Identity, body.MessageIDs)
	if err != nil {
		fail(c, err)
		return
	}
	ok200(c, res)
}

// openConversation 已存在时直接返回，created 区分两种情况
func (a *API) openConversation(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	var body openBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errs.ErrArgs.WrapMsg("bad body: "+err.Error()))
		return
	}
	kind, err := model.ParseKind(body.ParticipantKind)
	if err != nil {
		fail(c, err)
		return
	}
	conv, created, err := a.hub.OpenConversation(ctx, p.Identity, model.NewIdentity(strings.TrimSpace(body.ParticipantID), kind))
	if err != nil {
		fail(c, err)
		return
	}
	ok200(c, gin.H{"conversation": conv, "created": created})
}

func (a *API) deleteConversation(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	if err := a.hub.DeleteConversation(ctx, p.Identity, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok200(c, gin.H{"conversationId": c.Param("id")})
}

func (a *API) clearConversation(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	removed, err := a.hub.ClearConversation(ctx, p.Identity, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok200(c, gin.H{"conversationId": c.Param("id"), "removed": removed})
}

func (a *API) resetUnread(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	res, err := a.hub.ResetUnread(ctx, p.Identity, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok200(c, res)
}

func (a *API) sendMessage(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	var body chat.SendRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errs.ErrArgs.WrapMsg("bad body: "+err.Error()))
		return
	}
	msg, err := a.hub.SendMessage(ctx, *p, body)
	if err != nil {
		fail(c, err)
		return
	}
	ok200(c, gin.H{"message": msg})
}

func (a *API) editMessage(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	var body editBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, errs.ErrArgs.WrapMsg("bad body: "+err.Error()))
		return
	}
	msg, err := a.hub.EditMessage(ctx, p.Identity, chat.EditRequest{MessageID: c.Param("id"), Content: body.Content})
	if err != nil {
		fail(c, err)
		return
	}
	ok200(c, gin.H{"message": msg})
}

func (a *API) deleteMessage(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	if err := a.hub.DeleteMessage(ctx, p.Identity, chat.DeleteRequest{MessageID: c.Param("id")}); err != nil {
		fail(c, err)
		return
	}
	ok200(c, gin.H{"messageId": c.Param("id")})
}

// search ?conversationId=&q=&page=&limit=
func (a *API) search(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	page, err := positive(c, "page", 1)
	if err != nil {
		fail(c, err)
		return
	}
	limit, err := positive(c, "limit", defaultSearchSize)
	if err != nil {
		fail(c, err)
		return
	}
	convID := c.Query("conversationId")
	if convID == "" {
		fail(c, errs.ErrArgs.WrapMsg("conversationId is required"))
		return
	}
	msgs, err := a.hub.Delivery().Search(ctx, p.Identity, convID, c.Query("q"), page, min(limit, maxSearchSize))
	if err != nil {
		fail(c, err)
		return
	}
	ok200(c, gin.H{"messages": msgs, "page": page})
}

// contacts ?kind=&q=&limit=
func (a *API) contacts(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	var kind model.Kind
	if s := c.Query("kind"); s != "" {
		k, err := model.ParseKind(s)
		if err != nil {
			fail(c, err)
			return
		}
		kind = k
	}
	limit, err := positive(c, "limit", 0)
	if err != nil {
		fail(c, err)
		return
	}
	list, err := a.hub.Contacts(ctx, *p, kind, c.Query("q"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok200(c, gin.H{"contacts": list})
}

func (a *API) settings(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	st, err := a.hub.Settings(ctx, p.Identity)
	if err != nil {
		fail(c, err)
		return
	}
	ok200(c, st)
}

func (a *API) updateSettings(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	var patch model.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		fail(c, errs.ErrArgs.WrapMsg("bad body: "+err.Error()))
		return
	}
	st, err := a.hub.UpdateSettings(ctx, p.Identity, patch)
	if err != nil {
		fail(c, err)
		return
	}
	ok200(c, st)
}

// presence ?kind=personnel&ids=1,2,3；只返回调用方可见的类别
func (a *API) presence(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	if c.Query("kind") == "" && c.Query("ids") == "" {
		users, err := a.hub.Presence().OnlineUsers(ctx, p.Identity)
		if err != nil {
			fail(c, err)
			return
		}
		ok200(c, chat.OnlineUsersPayload{Users: users})
		return
	}
	kind, err := model.ParseKind(c.Query("kind"))
	if err != nil {
		fail(c, err)
		return
	}
	if !chat.Visible(p.Kind, kind) {
		fail(c, errs.ErrForbidden.WrapMsg("presence of this kind is not visible", "kind", kind))
		return
	}
	var ids []string
	for _, s := range strings.Split(c.Query("ids"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			ids = append(ids, s)
		}
	}
	if len(ids) == 0 || len(ids) > maxPresenceIDs {
		fail(c, errs.ErrArgs.WrapMsg("ids must list 1-200 identities", "count", len(ids)))
		return
	}
	users := make([]chat.StatusPayload, 0, len(ids))
	for _, id := range ids {
		st, err := a.hub.Presence().Lookup(ctx, model.NewIdentity(id, kind))
		if err != nil {
			fail(c, err)
			return
		}
		users = append(users, st)
	}
	ok200(c, chat.OnlineUsersPayload{Users: users})
}

func (a *API) stats(c *gin.Context) {
	p, ctx, cancel, ok := a.begin(c)
	if !ok {
		return
	}
	defer cancel()
	st, err := a.hub.Delivery().Stats(ctx, p.Identity)
	if err != nil {
		fail(c, err)
		return
	}
	ok200(c, st)
}

func (a *API) begin(c *gin.Context) (*model.Principal, context.Context, context.CancelFunc, bool) {
	p, ok := midsec.PrincipalFrom(c)
	if !ok {
		fail(c, errs.ErrUnauthorized.WrapMsg("no principal"))
		return nil, nil, nil, false
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	return p, ctx, cancel, true
}

// positive 缺省时返回 def
func positive(c *gin.Context, name string, def int) (int, error) {
	s := c.Query(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errs.ErrArgs.WrapMsg(name+" must be a positive integer", name, s)
	}
	return n, nil
}

func parseBefore(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errs.ErrArgs.WrapMsg("before must be RFC3339 or unix millis", "before", s)
	}
	return t, nil
}

func ok200(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

// fail 错误码即 HTTP 状态码
func fail(c *gin.Context, err error) {
	code := errs.Code(err)
	msg := http.StatusText(code)
	if ce, ok := errs.As(err); ok {
		msg = ce.Msg
		if ce.Detail != "" {
			msg += ": " + ce.Detail
		}
	}
	if code >= http.StatusInternalServerError {
		logger.Errorf("[api] %s %s: %+v", c.Request.Method, c.FullPath(), err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(code, gin.H{"code": code, "message": msg})
}
