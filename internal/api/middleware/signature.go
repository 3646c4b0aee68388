package middleware

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/chartqueue/internal/api/response"
	"github.com/kiranshivaraju/chartqueue/internal/line"
)

// maxWebhookBody bounds the webhook payload read before verification.
const maxWebhookBody = 1 << 20

// LINESignature rejects webhook requests whose X-Line-Signature does not match
// the body. Verified bytes are stored in the context for the handler.
func LINESignature(channelSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
			if err != nil {
				response.Error(w, http.StatusBadRequest,
					"INVALID_BODY", "Failed to read request body", nil)
				return
			}
			if len(body) > maxWebhookBody {
				response.Error(w, http.StatusRequestEntityTooLarge,
					"BODY_TOO_LARGE", "Webhook body exceeds 1 MiB", nil)
				return
			}

			if !line.VerifySignature(body, r.Header.Get(line.SignatureHeader), channelSecret) {
				slog.Warn("webhook signature rejected", "remote_addr", r.RemoteAddr)
				response.Error(w, http.StatusUnauthorized,
					"INVALID_SIGNATURE", "Webhook signature mismatch", nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(setWebhookBody(r.Context(), body)))
		})
	}
}
