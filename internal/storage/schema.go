package storage

const schemaSQL = `
-- One row per (channel, message); rows are only replaced by a fresher scrape
CREATE TABLE IF NOT EXISTS telegram_messages (
    channel_id INTEGER NOT NULL,
    message_id INTEGER NOT NULL,
    channel_username TEXT,
    channel_title TEXT,
    message_date TEXT NOT NULL,
    message_text TEXT,
    edit_date TEXT,
    views INTEGER NOT NULL DEFAULT 0 CHECK (views >= 0),
    forwards INTEGER NOT NULL DEFAULT 0 CHECK (forwards >= 0),
    replies INTEGER NOT NULL DEFAULT 0 CHECK (replies >= 0),
    media_type TEXT NOT NULL DEFAULT 'none' CHECK (media_type IN ('none', 'photo', 'video', 'other')),
    media_file TEXT,
    message_url TEXT,
    scraped_at TEXT NOT NULL,
    PRIMARY KEY (channel_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_date ON telegram_messages(message_date);
CREATE INDEX IF NOT EXISTS idx_messages_scraped ON telegram_messages(scraped_at);

-- Derived annotations, rewritten whenever the message row is written
CREATE TABLE IF NOT EXISTS telegram_message_detections (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_id INTEGER NOT NULL,
    message_id INTEGER NOT NULL,
    kind TEXT NOT NULL CHECK (kind IN ('product', 'price', 'phone')),
    value TEXT NOT NULL,
    amount REAL,
    currency TEXT,
    position INTEGER NOT NULL,
    FOREIGN KEY (channel_id, message_id) REFERENCES telegram_messages(channel_id, message_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_detections_message ON telegram_message_detections(channel_id, message_id);
CREATE INDEX IF NOT EXISTS idx_detections_kind_value ON telegram_message_detections(kind, value);

-- Loader progress: number of manifest batches loaded per partition
CREATE TABLE IF NOT EXISTS load_checkpoints (
    partition_key TEXT PRIMARY KEY NOT NULL,
    batches_loaded INTEGER NOT NULL,
    loaded_at TEXT NOT NULL
);

`
