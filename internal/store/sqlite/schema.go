package sqlite

// The schema is a storage contract shared with other tooling reading the
// same database file; column names and constraints must not drift.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS threads (
  tid INTEGER PRIMARY KEY,
  fid INTEGER,
  fname TEXT,
  title TEXT,
  author_id INTEGER,
  author_name TEXT,
  agree INTEGER DEFAULT 0,
  pid INTEGER DEFAULT 0,
  create_time INTEGER,
  last_time INTEGER,
  reply_num INTEGER,
  view_num INTEGER,
  is_top INTEGER DEFAULT 0,
  is_good INTEGER DEFAULT 0,
  is_help INTEGER DEFAULT 0,
  is_hide INTEGER DEFAULT 0,
  is_share INTEGER DEFAULT 0,
  text TEXT,
  contents_json TEXT,
  category TEXT,
  tags_json TEXT,
  thread_role TEXT NOT NULL DEFAULT 'normal',
  collection_year INTEGER,
  collection_week INTEGER,
  updated_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_threads_fname_create_time ON threads(fname, create_time);
CREATE INDEX IF NOT EXISTS idx_threads_category ON threads(category);
CREATE INDEX IF NOT EXISTS idx_threads_role_bin ON threads(thread_role, collection_year, collection_week);

CREATE TABLE IF NOT EXISTS images (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tid INTEGER NOT NULL REFERENCES threads(tid) ON DELETE CASCADE,
  url TEXT NOT NULL,
  hash TEXT,
  origin_src TEXT,
  src TEXT,
  big_src TEXT,
  show_width INTEGER,
  show_height INTEGER,
  updated_at TEXT,
  UNIQUE(tid, url)
);

CREATE INDEX IF NOT EXISTS idx_images_hash ON images(hash);

CREATE TABLE IF NOT EXISTS relay_tasks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  source_tid INTEGER NOT NULL REFERENCES threads(tid) ON DELETE CASCADE,
  target_tid INTEGER NOT NULL,
  target_forum TEXT NOT NULL,
  category TEXT,
  source_year INTEGER,
  source_week INTEGER,
  status TEXT NOT NULL DEFAULT 'PENDING',
  attempts INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  created_at TEXT,
  updated_at TEXT,
  UNIQUE(source_tid, target_tid)
);

CREATE INDEX IF NOT EXISTS idx_relay_tasks_status ON relay_tasks(status);

CREATE TABLE IF NOT EXISTS forum_state (
  forum TEXT PRIMARY KEY,
  last_crawl_ts INTEGER,
  updated_at TEXT
);
`

// Columns added after the first release. ALTER TABLE ADD COLUMN is the
// only migration SQLite needs here; existing columns make the statement
// fail, which ensureColumn treats as already-migrated.
var migrations = []struct {
	table  string
	column string
	ddl    string
}{
	{"threads", "agree", "agree INTEGER DEFAULT 0"},
	{"threads", "pid", "pid INTEGER DEFAULT 0"},
	{"threads", "is_help", "is_help INTEGER DEFAULT 0"},
	{"threads", "is_hide", "is_hide INTEGER DEFAULT 0"},
	{"threads", "is_share", "is_share INTEGER DEFAULT 0"},
	{"threads", "category", "category TEXT"},
	{"threads", "tags_json", "tags_json TEXT"},
	{"threads", "thread_role", "thread_role TEXT NOT NULL DEFAULT 'normal'"},
	{"threads", "collection_year", "collection_year INTEGER"},
	{"threads", "collection_week", "collection_week INTEGER"},
	{"relay_tasks", "category", "category TEXT"},
	{"relay_tasks", "source_year", "source_year INTEGER"},
	{"relay_tasks", "source_week", "source_week INTEGER"},
	{"relay_tasks", "attempts", "attempts INTEGER NOT NULL DEFAULT 0"},
	{"relay_tasks", "created_at", "created_at TEXT"},
}
