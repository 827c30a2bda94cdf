package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	mqcontracts "newsbrief/contracts/mq"
	"newsbrief/internal/model"
)

// Publisher is the MQ surface the notifier publishes on.
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// ReauthNotifier publishes a credential.reauth_required event when a user's
// grant is revoked. The token manager fires it at most once per transition to
// needs_reauth, so downstream consumers never spam the user.
type ReauthNotifier struct {
	publisher Publisher
	logger    *zap.Logger
}

func NewReauthNotifier(publisher Publisher, logger *zap.Logger) *ReauthNotifier {
	return &ReauthNotifier{publisher: publisher, logger: logger}
}

func (n *ReauthNotifier) NotifyReauthRequired(ctx context.Context, cred *model.Credential) {
	payload := mqcontracts.ReauthRequiredPayload{
		UserID:     cred.UserID,
		Email:      cred.Email,
		DetectedAt: time.Now().UTC(),
	}
	if err := n.publisher.PublishWithContext(ctx, mqcontracts.RoutingKeyReauthRequired, payload); err != nil {
		// notification is best effort; the credential row already carries the state
		n.logger.Error("Failed to publish reauth notification",
			zap.String("user_id", cred.UserID),
			zap.Error(err),
		)
	}
}
