package leasestore

// Cache keys shared across invocations. The exact names are part of the
// interop contract with the dashboard and must not change.
const (
	KeySyncInProgress     = "sync_in_progress"
	KeyProcessingAttached = "processing_attachments"
	KeyLastSyncTimestamp  = "last_sync_timestamp"
)

// Item attribute names.
const (
	AttrPK        = "pk"
	AttrValue     = "val"
	AttrExpiresAt = "expiresAt"
)
