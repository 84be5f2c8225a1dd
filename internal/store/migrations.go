package store

// migrations is applied in order on every startup. Every statement uses
// IF NOT EXISTS / OR IGNORE equivalents so re-running is a no-op once the
// schema is current; the postgres path additionally tolerates "already
// exists" in Migrate.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		status TEXT NOT NULL DEFAULT 'active',
		totp_enabled INTEGER NOT NULL DEFAULT 0,
		totp_encrypted_secret BLOB,
		totp_since INTEGER NOT NULL DEFAULT 0,
		public_key_pem TEXT,
		encrypted_private_key_pem BLOB,
		avatar_id TEXT,
		preferred_locales TEXT NOT NULL DEFAULT '[]',
		notification_preferences TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username_lower ON users (LOWER(username))`,

	`CREATE TABLE IF NOT EXISTS recovery_codes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		code_hash TEXT NOT NULL,
		used_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recovery_codes_user ON recovery_codes (user_id)`,

	`CREATE TABLE IF NOT EXISTS login_attempts (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		username TEXT NOT NULL,
		ip_address TEXT,
		success INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_login_attempts_username ON login_attempts (username, created_at)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		token_hash TEXT NOT NULL,
		refresh_token_hash TEXT NOT NULL,
		ip_address TEXT,
		user_agent TEXT,
		expires_at TEXT NOT NULL,
		refreshed_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_token_hash ON sessions (token_hash)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_refresh_token_hash ON sessions (refresh_token_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id, refreshed_at)`,

	`CREATE TABLE IF NOT EXISTS boards (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL,
		ap_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		parent_board_id TEXT,
		private INTEGER NOT NULL DEFAULT 0,
		locked INTEGER NOT NULL DEFAULT 0,
		ap_enabled INTEGER NOT NULL DEFAULT 1,
		ap_accept_policy TEXT NOT NULL DEFAULT 'open',
		min_role_to_view TEXT NOT NULL DEFAULT 'guest',
		public_key_pem TEXT,
		encrypted_private_key_pem BLOB,
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_boards_slug ON boards (slug)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_boards_ap_id ON boards (ap_id)`,

	`CREATE TABLE IF NOT EXISTS articles (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL,
		ap_id TEXT NOT NULL,
		board_id TEXT NOT NULL,
		author_id TEXT,
		remote_actor_id TEXT,
		title TEXT NOT NULL,
		content_markdown TEXT NOT NULL,
		content_html TEXT NOT NULL,
		summary TEXT,
		pinned INTEGER NOT NULL DEFAULT 0,
		locked INTEGER NOT NULL DEFAULT 0,
		comment_count INTEGER NOT NULL DEFAULT 0,
		like_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_articles_slug ON articles (slug)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_articles_ap_id ON articles (ap_id)`,
	`CREATE INDEX IF NOT EXISTS idx_articles_board ON articles (board_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_articles_author ON articles (author_id, created_at)`,

	// article_boards is the many-side of Article.boards; articles.board_id
	// remains the article's home board for slug-style routing, this table
	// carries cross-posts added by inbound Create's "add to additional
	// boards instead of rejecting" dedup rule.
	`CREATE TABLE IF NOT EXISTS article_boards (
		article_id TEXT NOT NULL,
		board_id TEXT NOT NULL,
		PRIMARY KEY (article_id, board_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_article_boards_board ON article_boards (board_id)`,

	`CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		ap_id TEXT NOT NULL,
		article_id TEXT NOT NULL,
		parent_comment_id TEXT,
		author_id TEXT,
		remote_actor_id TEXT,
		content_markdown TEXT NOT NULL,
		content_html TEXT NOT NULL,
		created_at TEXT NOT NULL,
		deleted_at TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_comments_ap_id ON comments (ap_id)`,
	`CREATE INDEX IF NOT EXISTS idx_comments_article ON comments (article_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS remote_actors (
		id TEXT PRIMARY KEY,
		ap_id TEXT NOT NULL,
		inbox TEXT NOT NULL,
		shared_inbox TEXT,
		preferred_username TEXT,
		domain TEXT NOT NULL,
		public_key_pem TEXT NOT NULL,
		fetched_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_remote_actors_ap_id ON remote_actors (ap_id)`,
	`CREATE INDEX IF NOT EXISTS idx_remote_actors_domain ON remote_actors (domain)`,

	`CREATE TABLE IF NOT EXISTS user_follows (
		id TEXT PRIMARY KEY,
		ap_id TEXT,
		follower_ap_id TEXT NOT NULL,
		target_user_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_follows_ap_id ON user_follows (ap_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_follows_pair ON user_follows (follower_ap_id, target_user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_user_follows_target ON user_follows (target_user_id, state)`,

	// user_remote_follows is the outbound complement of user_follows: a
	// local user following a remote actor. Kept as its own table rather
	// than overloading user_follows' target column, since the follower
	// side here is always local and the target is always remote_actor_id.
	`CREATE TABLE IF NOT EXISTS user_remote_follows (
		id TEXT PRIMARY KEY,
		ap_id TEXT,
		user_id TEXT NOT NULL,
		remote_actor_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_remote_follows_ap_id ON user_remote_follows (ap_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_remote_follows_pair ON user_remote_follows (user_id, remote_actor_id)`,
	`CREATE INDEX IF NOT EXISTS idx_user_remote_follows_user ON user_remote_follows (user_id, state)`,

	`CREATE TABLE IF NOT EXISTS board_follows (
		id TEXT PRIMARY KEY,
		ap_id TEXT,
		follower_ap_id TEXT NOT NULL,
		target_board_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_board_follows_ap_id ON board_follows (ap_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_board_follows_pair ON board_follows (follower_ap_id, target_board_id)`,
	`CREATE INDEX IF NOT EXISTS idx_board_follows_target ON board_follows (target_board_id, state)`,

	`CREATE TABLE IF NOT EXISTS delivery_jobs (
		id TEXT PRIMARY KEY,
		inbox_url TEXT NOT NULL,
		activity_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		actor_key_owner_type TEXT NOT NULL,
		actor_key_owner_id TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 8,
		status TEXT NOT NULL DEFAULT 'pending',
		not_before TEXT NOT NULL,
		last_error TEXT,
		created_at TEXT NOT NULL,
		claimed_at TEXT,
		claimed_by TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_jobs_claim ON delivery_jobs (status, not_before)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_jobs_inbox ON delivery_jobs (inbox_url)`,

	// object_type/object_id use '' (never NULL) so that kinds without an
	// object — new_follower has neither article nor comment — still collide
	// in the dedup indexes; NULL is distinct from NULL in a unique index on
	// both dialects. The actor columns stay nullable on purpose: exactly one
	// is set per row, and the NULL in the other keeps each row invisible to
	// the opposite variant's index.
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		actor_ap_id TEXT,
		actor_user_id TEXT,
		object_type TEXT NOT NULL DEFAULT '',
		object_id TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL DEFAULT '{}',
		read_at TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_dedup_local ON notifications (user_id, kind, actor_user_id, object_type, object_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_dedup_remote ON notifications (user_id, kind, actor_ap_id, object_type, object_id)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS push_subscriptions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		p256dh TEXT NOT NULL,
		auth TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_used_at TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_push_subscriptions_endpoint ON push_subscriptions (endpoint)`,
	`CREATE INDEX IF NOT EXISTS idx_push_subscriptions_user ON push_subscriptions (user_id)`,

	`CREATE TABLE IF NOT EXISTS feed_items (
		id TEXT PRIMARY KEY,
		ap_id TEXT NOT NULL,
		remote_actor_id TEXT NOT NULL,
		article_json TEXT NOT NULL,
		published_at TEXT NOT NULL,
		deleted_at TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_feed_items_ap_id ON feed_items (ap_id)`,
	`CREATE INDEX IF NOT EXISTS idx_feed_items_actor ON feed_items (remote_actor_id, published_at)`,

	`CREATE TABLE IF NOT EXISTS feed_item_followers (
		feed_item_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (feed_item_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_feed_item_followers_user ON feed_item_followers (user_id)`,

	`CREATE TABLE IF NOT EXISTS moderation_log (
		id TEXT PRIMARY KEY,
		actor_user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_moderation_log_target ON moderation_log (target_type, target_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		reporter_user_id TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		resolved_by TEXT,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reports_status ON reports (status, created_at)`,

	`CREATE TABLE IF NOT EXISTS site_keys (
		id TEXT PRIMARY KEY,
		public_key_pem TEXT NOT NULL,
		encrypted_private_key_pem BLOB NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS vapid_keys (
		id TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		encrypted_private_key BLOB NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS article_likes (
		id TEXT PRIMARY KEY,
		ap_id TEXT,
		article_id TEXT NOT NULL,
		user_id TEXT,
		remote_actor_id TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_article_likes_article_user ON article_likes (article_id, user_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_article_likes_article_actor ON article_likes (article_id, remote_actor_id)`,

	`CREATE TABLE IF NOT EXISTS announces (
		id TEXT PRIMARY KEY,
		ap_id TEXT NOT NULL,
		object_ap_id TEXT NOT NULL,
		remote_actor_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_announces_ap_id ON announces (ap_id)`,

	// user_blocks/user_mutes back the notification suppression gate;
	// their schema mirrors the shape of every other directional-relationship
	// table.
	`CREATE TABLE IF NOT EXISTS user_blocks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		blocked_user_id TEXT,
		blocked_remote_actor_id TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_blocks_local ON user_blocks (user_id, blocked_user_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_blocks_remote ON user_blocks (user_id, blocked_remote_actor_id)`,

	`CREATE TABLE IF NOT EXISTS user_mutes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		muted_user_id TEXT,
		muted_remote_actor_id TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_mutes_local ON user_mutes (user_id, muted_user_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_mutes_remote ON user_mutes (user_id, muted_remote_actor_id)`,

	`CREATE TABLE IF NOT EXISTS inbox_seen (
		activity_id TEXT PRIMARY KEY,
		seen_at TEXT NOT NULL
	)`,
}
