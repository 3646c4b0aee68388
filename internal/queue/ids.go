package queue

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// jobNamespace scopes job IDs so they never collide with other UUIDv5 users.
var jobNamespace = uuid.MustParse("6f2c1d8e-3b7a-5e44-9c0d-8a1f5b2e7c93")

// DeriveJobID returns a deterministic UUIDv5 for a submission. Redeliveries of the
// same source within one time bucket map to the same ID, which makes inserts idempotent.
func DeriveJobID(userID, sourceRef string, submittedAt time.Time, bucket time.Duration) uuid.UUID {
	var slot int64
	if bucket > 0 {
		slot = submittedAt.UTC().Truncate(bucket).Unix()
	}
	key := userID + "\x00" + sourceRef + "\x00" + strconv.FormatInt(slot, 10)
	return uuid.NewSHA1(jobNamespace, []byte(key))
}
