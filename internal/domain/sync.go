package domain

// SyncTag is the background-sync registration name.
const SyncTag = "sync-offline-requests"

// Internal EventBus topics.
const (
	TopicRequestStored = "queue:stored"
	TopicSyncResult    = "sync:result"
	TopicSyncComplete  = "sync:complete"
	TopicWorkerUpdated = "worker:updated"
)

// SyncResult is the outcome of one replay attempt.
type SyncResult struct {
	RequestID  string `json:"requestId"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SyncReport summarizes one drain pass.
type SyncReport struct {
	Results   []SyncResult `json:"results"`
	Synced    int          `json:"synced"`
	Failed    int          `json:"failed"`
	Remaining int          `json:"remaining"`
}
