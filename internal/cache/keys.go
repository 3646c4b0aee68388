package cache

import "fmt"

// WebhookEventKey marks a LINE webhook event as handled.
func WebhookEventKey(eventID string) string {
	return fmt.Sprintf("webhook:event:%s", eventID)
}

// LastJobKey points at the user's most recent submission.
func LastJobKey(userID string) string {
	return fmt.Sprintf("user:lastjob:%s", userID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
