package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"VeChat/module/chat/model"
	"VeChat/tools/errs"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS vechat_conversations (
	id              UUID PRIMARY KEY,
	pair_key        TEXT NOT NULL UNIQUE,
	p1_id           TEXT NOT NULL,
	p1_kind         TEXT NOT NULL,
	p2_id           TEXT NOT NULL,
	p2_kind         TEXT NOT NULL,
	last_message_id TEXT,
	last_message_at TIMESTAMPTZ,
	archived1       BOOLEAN NOT NULL DEFAULT FALSE,
	archived2       BOOLEAN NOT NULL DEFAULT FALSE,
	muted1          BOOLEAN NOT NULL DEFAULT FALSE,
	muted2          BOOLEAN NOT NULL DEFAULT FALSE,
	unread_count1   INTEGER NOT NULL DEFAULT 0,
	unread_count2   INTEGER NOT NULL DEFAULT 0,
	version         BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS vechat_conversations_p1_idx ON vechat_conversations (p1_id, p1_kind);
CREATE INDEX IF NOT EXISTS vechat_conversations_p2_idx ON vechat_conversations (p2_id, p2_kind);

CREATE TABLE IF NOT EXISTS vechat_messages (
	id                  TEXT PRIMARY KEY,
	conversation_id     UUID NOT NULL REFERENCES vechat_conversations (id) ON DELETE CASCADE,
	sender_id           TEXT NOT NULL,
	sender_kind         TEXT NOT NULL,
	receiver_id         TEXT NOT NULL,
	receiver_kind       TEXT NOT NULL,
	content             TEXT NOT NULL,
	type                TEXT NOT NULL,
	reply_to_id         TEXT,
	is_read             BOOLEAN NOT NULL DEFAULT FALSE,
	read_at             TIMESTAMPTZ,
	edited              BOOLEAN NOT NULL DEFAULT FALSE,
	edited_at           TIMESTAMPTZ,
	original_content    TEXT,
	deleted_by_receiver BOOLEAN NOT NULL DEFAULT FALSE,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS vechat_messages_conv_idx ON vechat_messages (conversation_id, created_at DESC);
CREATE INDEX IF NOT EXISTS vechat_messages_unread_idx
	ON vechat_messages (conversation_id, receiver_id, receiver_kind) WHERE NOT is_read;

CREATE TABLE IF NOT EXISTS vechat_user_settings (
	user_id             TEXT NOT NULL,
	user_kind           TEXT NOT NULL,
	email_notifications BOOLEAN NOT NULL DEFAULT TRUE,
	push_notifications  BOOLEAN NOT NULL DEFAULT TRUE,
	sound_notifications BOOLEAN NOT NULL DEFAULT TRUE,
	theme               TEXT NOT NULL DEFAULT 'light',
	font_size           TEXT NOT NULL DEFAULT 'medium',
	show_online_status  BOOLEAN NOT NULL DEFAULT TRUE,
	show_read_receipts  BOOLEAN NOT NULL DEFAULT TRUE,
	custom_settings     JSONB,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, user_kind)
);
`

const convCols = `id::text, p1_id, p1_kind, p2_id, p2_kind, last_message_id, last_message_at,
	archived1, archived2, muted1, muted2, unread_count1, unread_count2, version, created_at, updated_at`

const msgCols = `id, conversation_id::text, sender_id, sender_kind, receiver_id, receiver_kind, content, type,
	reply_to_id, is_read, read_at, edited, edited_at, original_content, deleted_by_receiver, created_at, updated_at`

// Postgres 基于 pgxpool。计数增减与重算都在持有会话行锁的事务里完成
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, now: time.Now}
}

var (
	_ Store         = (*Postgres)(nil)
	_ SettingsStore = (*Postgres)(nil)
)

func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, pgSchema)
	return errs.WrapMsg(err, "migrate vechat schema")
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var (
		c      model.Conversation
		lastID *string
		p1k    string
		p2k    string
	)
	err := row.Scan(&c.ID, &c.Participant1.ID, &p1k, &c.Participant2.ID, &p2k, &lastID, &c.LastMessageAt,
		&c.Archived1, &c.Archived2, &c.Muted1, &c.Muted2, &c.UnreadCount1, &c.UnreadCount2, &c.Version,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Participant1.Kind, c.Participant2.Kind = model.Kind(p1k), model.Kind(p2k)
	c.PairKey = c.Pair().Key()
	if lastID != nil {
		c.LastMessageID = *lastID
	}
	return &c, nil
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m        model.Message
		sk, rk   string
		typ      string
		replyTo  *string
		original *string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.Sender.ID, &sk, &m.Receiver.ID, &rk, &m.Content, &typ,
		&replyTo, &m.IsRead, &m.ReadAt, &m.Edited, &m.EditedAt, &original, &m.DeletedByReceiver,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Sender.Kind, m.Receiver.Kind, m.Type = model.Kind(sk), model.Kind(rk), model.MessageType(typ)
	if replyTo != nil {
		m.ReplyToID = *replyTo
	}
	if original != nil {
		m.OriginalContent = *original
	}
	return &m, nil
}

func collectMessages(rows pgx.Rows) ([]*model.Message, error) {
	defer rows.Close()
	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func notFoundOr(err error, what string, kv ...any) error {
	if err == pgx.ErrNoRows {
		return errs.ErrNotFound.WrapMsg(what+" not found", kv...)
	}
	return internal(err, what, kv...)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Postgres) AppendMessage(ctx context.Context, msg *model.Message) (*model.Conversation, error) {
	pair := msg.Pair()
	now := s.now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = msg.CreatedAt

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, internal(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// DO UPDATE 让冲突时也能 RETURNING 既有 id
	err = tx.QueryRow(ctx, `
		INSERT INTO vechat_conversations (id, pair_key, p1_id, p1_kind, p2_id, p2_kind, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (pair_key) DO UPDATE SET pair_key = EXCLUDED.pair_key
		RETURNING id::text`,
		uuid.NewString(), pair.Key(), pair.P1.ID, string(pair.P1.Kind), pair.P2.ID, string(pair.P2.Kind), now,
	).Scan(&msg.ConversationID)
	if err != nil {
		return nil, internal(err, "upsert conversation", "pair", pair.Key())
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO vechat_messages (id, conversation_id, sender_id, sender_kind, receiver_id, receiver_kind,
			content, type, reply_to_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		msg.ID, msg.ConversationID, msg.Sender.ID, string(msg.Sender.Kind), msg.Receiver.ID, string(msg.Receiver.Kind),
		msg.Content, string(msg.Type), nullable(msg.ReplyToID), msg.CreatedAt,
	)
	if err != nil {
		return nil, internal(err, "insert message", "id", msg.ID)
	}

	inc1, inc2 := 0, 1
	if pair.SlotOf(msg.Receiver) == model.Slot1 {
		inc1, inc2 = 1, 0
	}
	conv, err := scanConversation(tx.QueryRow(ctx, `
		UPDATE vechat_conversations
		SET last_message_id = $2, last_message_at = $3,
			unread_count1 = unread_count1 + $4, unread_count2 = unread_count2 + $5,
			version = version + 1, updated_at = $6
		WHERE id = $1
		RETURNING `+convCols,
		msg.ConversationID, msg.ID, msg.CreatedAt, inc1, inc2, now,
	))
	if err != nil {
		return nil, internal(err, "bump conversation", "id", msg.ConversationID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, internal(err, "commit")
	}
	return conv, nil
}

func (s *Postgres) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+msgCols+` FROM vechat_messages WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "message", "id", id)
	}
	return m, nil
}

func (s *Postgres) GetMessages(ctx context.Context, msgIDs []string) ([]*model.Message, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+msgCols+` FROM vechat_messages WHERE id = ANY($1)`, msgIDs)
	if err != nil {
		return nil, internal(err, "get messages")
	}
	return collectMessages(rows)
}

func (s *Postgres) EditMessage(ctx context.Context, id, content string, at time.Time) (*model.Message, error) {
	// COALESCE 保证只有第一次编辑会写入 original_content
	m, err := scanMessage(s.pool.QueryRow(ctx, `
		UPDATE vechat_messages
		SET original_content = COALESCE(original_content, content),
			content = $2, edited = TRUE, edited_at = $3, updated_at = $3
		WHERE id = $1
		RETURNING `+msgCols, id, content, at))
	if err != nil {
		return nil, notFoundOr(err, "message", "id", id)
	}
	return m, nil
}

func (s *Postgres) DeleteMessage(ctx context.Context, id string) (*model.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, internal(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := scanMessage(tx.QueryRow(ctx, `DELETE FROM vechat_messages WHERE id = $1 RETURNING `+msgCols, id))
	if err != nil {
		return nil, notFoundOr(err, "message", "id", id)
	}
	_, err = tx.Exec(ctx, `
		UPDATE vechat_conversations c
		SET last_message_id = (SELECT id FROM vechat_messages
				WHERE conversation_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1),
			last_message_at = (SELECT created_at FROM vechat_messages
				WHERE conversation_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1),
			updated_at = $3
		WHERE c.id = $1 AND c.last_message_id = $2`,
		m.ConversationID, id, s.now())
	if err != nil {
		return nil, internal(err, "repoint last message", "conversation", m.ConversationID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, internal(err, "commit")
	}
	return m, nil
}

func (s *Postgres) HideForReceiver(ctx context.Context, id string) (*model.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `
		UPDATE vechat_messages SET deleted_by_receiver = TRUE, updated_at = $2
		WHERE id = $1 RETURNING `+msgCols, id, s.now()))
	if err != nil {
		return nil, notFoundOr(err, "message", "id", id)
	}
	return m, nil
}

func (s *Postgres) MarkRead(ctx context.Context, reader model.Identity, msgIDs []string, at time.Time) ([]*model.Message, int, error) {
	if len(msgIDs) == 0 {
		return nil, 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE vechat_messages SET is_read = TRUE, read_at = $4, updated_at = $4
		WHERE id = ANY($1) AND receiver_id = $2 AND receiver_kind = $3 AND NOT is_read`,
		msgIDs, reader.ID, string(reader.Kind), at)
	if err != nil {
		return nil, 0, internal(err, "mark read")
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+msgCols+` FROM vechat_messages
		WHERE id = ANY($1) AND receiver_id = $2 AND receiver_kind = $3`,
		msgIDs, reader.ID, string(reader.Kind))
	if err != nil {
		return nil, 0, internal(err, "load read messages")
	}
	touched, err := collectMessages(rows)
	if err != nil {
		return nil, 0, internal(err, "scan read messages")
	}
	return touched, int(tag.RowsAffected()), nil
}

func (s *Postgres) UnreadFor(ctx context.Context, conversationID string, receiver model.Identity) ([]*model.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+msgCols+` FROM vechat_messages
		WHERE conversation_id = $1 AND receiver_id = $2 AND receiver_kind = $3
			AND NOT is_read AND NOT deleted_by_receiver
		ORDER BY created_at`, conversationID, receiver.ID, string(receiver.Kind))
	if err != nil {
		return nil, internal(err, "unread messages", "conversation", conversationID)
	}
	return collectMessages(rows)
}

func (s *Postgres) ListMessages(ctx context.Context, conversationID string, viewer model.Identity, before time.Time, limit int) ([]*model.Message, error) {
	var beforeArg *time.Time
	if !before.IsZero() {
		beforeArg = &before
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+msgCols+` FROM (
			SELECT * FROM vechat_messages
			WHERE conversation_id = $1
				AND ($4::timestamptz IS NULL OR created_at < $4)
				AND NOT (receiver_id = $2 AND receiver_kind = $3 AND deleted_by_receiver)
			ORDER BY created_at DESC, id DESC
			LIMIT $5
		) page ORDER BY created_at, id`,
		conversationID, viewer.ID, string(viewer.Kind), beforeArg, pageSize(limit))
	if err != nil {
		return nil, internal(err, "list messages", "conversation", conversationID)
	}
	return collectMessages(rows)
}

func (s *Postgres) SearchMessages(ctx context.Context, conversationID string, viewer model.Identity, query string, offset, limit int) ([]*model.Message, error) {
	if offset < 0 {
		offset = 0
	}
	// strpos 不解释 % 和 _，查询词按字面匹配
	rows, err := s.pool.Query(ctx, `
		SELECT `+msgCols+` FROM vechat_messages
		WHERE conversation_id = $1
			AND strpos(lower(content), lower($4)) > 0
			AND NOT (receiver_id = $2 AND receiver_kind = $3 AND deleted_by_receiver)
		ORDER BY created_at DESC, id DESC
		OFFSET $5 LIMIT $6`,
		conversationID, viewer.ID, string(viewer.Kind), query, offset, searchPage(limit))
	if err != nil {
		return nil, internal(err, "search messages", "conversation", conversationID)
	}
	return collectMessages(rows)
}

func (s *Postgres) EnsureConversation(ctx context.Context, pair model.Pair) (*model.Conversation, bool, error) {
	now := s.now()
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO vechat_conversations (id, pair_key, p1_id, p1_kind, p2_id, p2_kind, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (pair_key) DO NOTHING
		RETURNING id::text`,
		uuid.NewString(), pair.Key(), pair.P1.ID, string(pair.P1.Kind), pair.P2.ID, string(pair.P2.Kind), now,
	).Scan(&id)
	created := true
	if err == pgx.ErrNoRows {
		created = false
	} else if err != nil {
		return nil, false, internal(err, "create conversation", "pair", pair.Key())
	}
	c, err := s.FindConversation(ctx, pair)
	if err != nil {
		return nil, false, err
	}
	return c, created, nil
}

func (s *Postgres) ClearMessages(ctx context.Context, conversationID string) (*model.Conversation, int, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, 0, errs.ErrNotFound.WrapMsg("conversation not found", "id", conversationID)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, internal(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// 先锁会话行，与 AppendMessage 的 upsert 串行
	if _, err := scanConversation(tx.QueryRow(ctx, `SELECT `+convCols+` FROM vechat_conversations WHERE id = $1 FOR UPDATE`, conversationID)); err != nil {
		return nil, 0, notFoundOr(err, "conversation", "id", conversationID)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM vechat_messages WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, 0, internal(err, "clear messages", "conversation", conversationID)
	}
	c, err := scanConversation(tx.QueryRow(ctx, `
		UPDATE vechat_conversations
		SET last_message_id = NULL, last_message_at = NULL, unread_count1 = 0, unread_count2 = 0,
			version = version + 1, updated_at = $2
		WHERE id = $1
		RETURNING `+convCols, conversationID, s.now()))
	if err != nil {
		return nil, 0, internal(err, "reset conversation", "conversation", conversationID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, 0, internal(err, "commit")
	}
	return c, int(tag.RowsAffected()), nil
}

// DeleteConversation 消息随外键级联删除
func (s *Postgres) DeleteConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "id", conversationID)
	}
	c, err := scanConversation(s.pool.QueryRow(ctx, `DELETE FROM vechat_conversations WHERE id = $1 RETURNING `+convCols, conversationID))
	if err != nil {
		return nil, notFoundOr(err, "conversation", "id", conversationID)
	}
	return c, nil
}

func (s *Postgres) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "id", id)
	}
	c, err := scanConversation(s.pool.QueryRow(ctx, `SELECT `+convCols+` FROM vechat_conversations WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "conversation", "id", id)
	}
	return c, nil
}

func (s *Postgres) FindConversation(ctx context.Context, pair model.Pair) (*model.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `SELECT `+convCols+` FROM vechat_conversations WHERE pair_key = $1`, pair.Key()))
	if err != nil {
		return nil, notFoundOr(err, "conversation", "pair", pair.Key())
	}
	return c, nil
}

func (s *Postgres) ListConversations(ctx context.Context, who model.Identity) ([]*model.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+convCols+` FROM vechat_conversations
		WHERE (p1_id = $1 AND p1_kind = $2) OR (p2_id = $1 AND p2_kind = $2)
		ORDER BY last_message_at DESC NULLS LAST, updated_at DESC`, who.ID, string(who.Kind))
	if err != nil {
		return nil, internal(err, "list conversations", "identity", who.Key())
	}
	defer rows.Close()
	var out []*model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, internal(err, "scan conversation")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, internal(err, "list conversations")
	}
	return out, nil
}

// RecomputeUnread 先锁会话行再计数：并发的 AppendMessage 要么已提交（被计入），
// 要么在锁后才执行自增（叠加在重算结果上），两种顺序都收敛到正确值
func (s *Postgres) RecomputeUnread(ctx context.Context, conversationID string) (*model.Conversation, bool, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, false, errs.ErrNotFound.WrapMsg("conversation not found", "id", conversationID)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, internal(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := scanConversation(tx.QueryRow(ctx, `SELECT `+convCols+` FROM vechat_conversations WHERE id = $1 FOR UPDATE`, conversationID))
	if err != nil {
		return nil, false, notFoundOr(err, "conversation", "id", conversationID)
	}

	var n1, n2 int
	err = tx.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE receiver_id = $2 AND receiver_kind = $3 AND sender_id = $4 AND sender_kind = $5),
			COUNT(*) FILTER (WHERE receiver_id = $4 AND receiver_kind = $5 AND sender_id = $2 AND sender_kind = $3)
		FROM vechat_messages
		WHERE conversation_id = $1 AND NOT is_read AND NOT deleted_by_receiver`,
		c.ID, c.Participant1.ID, string(c.Participant1.Kind), c.Participant2.ID, string(c.Participant2.Kind),
	).Scan(&n1, &n2)
	if err != nil {
		return nil, false, internal(err, "count unread", "conversation", c.ID)
	}
	if n1 == c.UnreadCount1 && n2 == c.UnreadCount2 {
		return c, false, nil
	}

	out, err := scanConversation(tx.QueryRow(ctx, `
		UPDATE vechat_conversations
		SET unread_count1 = $2, unread_count2 = $3, version = version + 1, updated_at = $4
		WHERE id = $1
		RETURNING `+convCols, c.ID, n1, n2, s.now()))
	if err != nil {
		return nil, false, internal(err, "write unread counters", "conversation", c.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, internal(err, "commit")
	}
	return out, true, nil
}

func (s *Postgres) SetFlag(ctx context.Context, conversationID string, who model.Identity, flag model.ConversationFlag, v bool) (*model.Conversation, error) {
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	field := model.FlagField(flag, c.SlotOf(who))
	if field == "" {
		return nil, errs.ErrForbidden.WrapMsg("not a participant", "conversation", conversationID)
	}
	// field 来自固定白名单，可以安全拼接
	out, err := scanConversation(s.pool.QueryRow(ctx, `
		UPDATE vechat_conversations SET `+field+` = $2, updated_at = $3
		WHERE id = $1 RETURNING `+convCols, conversationID, v, s.now()))
	if err != nil {
		return nil, notFoundOr(err, "conversation", "id", conversationID)
	}
	return out, nil
}

func (s *Postgres) Stats(ctx context.Context, who model.Identity) (model.Stats, error) {
	var st model.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM vechat_messages WHERE sender_id = $1 AND sender_kind = $2),
			(SELECT COUNT(*) FROM vechat_messages WHERE receiver_id = $1 AND receiver_kind = $2),
			(SELECT COUNT(*) FROM vechat_conversations WHERE (p1_id = $1 AND p1_kind = $2) OR (p2_id = $1 AND p2_kind = $2)),
			(SELECT COALESCE(SUM(CASE WHEN p1_id = $1 AND p1_kind = $2 THEN unread_count1 ELSE unread_count2 END), 0)
				FROM vechat_conversations WHERE (p1_id = $1 AND p1_kind = $2) OR (p2_id = $1 AND p2_kind = $2))`,
		who.ID, string(who.Kind)).Scan(&st.Sent, &st.Received, &st.Conversations, &st.Unread)
	if err != nil {
		return st, internal(err, "stats", "identity", who.Key())
	}
	return st, nil
}

func (s *Postgres) GetSettings(ctx context.Context, id model.Identity) (*model.UserSettings, error) {
	st := model.UserSettings{Identity: id}
	err := s.pool.QueryRow(ctx, `
		SELECT email_notifications, push_notifications, sound_notifications, theme, font_size,
			show_online_status, show_read_receipts, custom_settings, updated_at
		FROM vechat_user_settings WHERE user_id = $1 AND user_kind = $2`, id.ID, string(id.Kind),
	).Scan(&st.EmailNotifications, &st.PushNotifications, &st.SoundNotifications, &st.Theme, &st.FontSize,
		&st.ShowOnlineStatus, &st.ShowReadReceipts, &st.Custom, &st.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "settings", "identity", id.Key())
	}
	return &st, nil
}

func (s *Postgres) SaveSettings(ctx context.Context, st *model.UserSettings) error {
	if st == nil {
		return errs.ErrArgs.WrapMsg("settings required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vechat_user_settings (user_id, user_kind, email_notifications, push_notifications,
			sound_notifications, theme, font_size, show_online_status, show_read_receipts, custom_settings, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, user_kind) DO UPDATE SET
			email_notifications = EXCLUDED.email_notifications,
			push_notifications = EXCLUDED.push_notifications,
			sound_notifications = EXCLUDED.sound_notifications,
			theme = EXCLUDED.theme,
			font_size = EXCLUDED.font_size,
			show_online_status = EXCLUDED.show_online_status,
			show_read_receipts = EXCLUDED.show_read_receipts,
			custom_settings = EXCLUDED.custom_settings,
			updated_at = EXCLUDED.updated_at`,
		st.Identity.ID, string(st.Identity.Kind), st.EmailNotifications, st.PushNotifications, st.SoundNotifications,
		st.Theme, st.FontSize, st.ShowOnlineStatus, st.ShowReadReceipts, st.Custom, st.UpdatedAt)
	if err != nil {
		return internal(err, "save settings", "identity", st.Identity.Key())
	}
	return nil
}
