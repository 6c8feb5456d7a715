package database

// cacheStore registers a named cache so it is listed even while empty.
type cacheStore struct {
	Name      string `gorm:"primaryKey;column:name"`
	CreatedAt int64  `gorm:"column:created_at;autoCreateTime:milli;not null"`
}

func (cacheStore) TableName() string {
	return "cache_stores"
}

type cacheEntry struct {
	CacheName string `gorm:"primaryKey;column:cache_name"`
	Key       string `gorm:"primaryKey;column:cache_key"`
	Method    string `gorm:"column:method;not null"`
	URL       string `gorm:"column:url;not null"`
	Status    int    `gorm:"column:status;not null"`
	Headers   string `gorm:"column:headers;not null"`
	Body      []byte `gorm:"column:body"`
	StoredAt  int64  `gorm:"column:stored_at;not null;index"`
}

func (cacheEntry) TableName() string {
	return "cache_entries"
}

// offlineRequest is one queued write. ids only grow, so ordering by id is
// the replay order.
type offlineRequest struct {
	ID            int64  `gorm:"primaryKey;autoIncrement;column:id"`
	RequestID     string `gorm:"column:request_id;uniqueIndex;not null"`
	URL           string `gorm:"column:url;not null"`
	Method        string `gorm:"column:method;not null"`
	Headers       string `gorm:"column:headers;not null"`
	Body          []byte `gorm:"column:body"`
	CreatedAt     int64  `gorm:"column:created_at;autoCreateTime:milli;not null"`
	Attempts      int    `gorm:"column:attempts;not null"`
	LastError     string `gorm:"column:last_error;not null"`
	LastAttemptAt *int64 `gorm:"column:last_attempt_at"`
}

func (offlineRequest) TableName() string {
	return "offline_requests"
}
