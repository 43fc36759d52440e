package verification

import (
	"encoding/json"
	"fmt"

	natsutil "github.com/kthomas/go-natsutil"
	"github.com/nats-io/nats.go"
	"github.com/provenant-ai/provenant/common"
)

// NotificationVerificationResolved event emitted when a verification reaches the verified status
const NotificationVerificationResolved = "verification.resolved"

// NotificationVerificationRejected event emitted when a verification reaches the rejected status
const NotificationVerificationRejected = "verification.rejected"

// NotificationVerificationChallenged event emitted when a challenge forces a verification into dispute
const NotificationVerificationChallenged = "verification.challenged"

// DispatchNotification broadcasts an event to qualified subjects
func (v *Verification) DispatchNotification(event string) (*nats.PubAck, error) {
	return v.dispatchNotification(event)
}

func (v *Verification) dispatchNotification(event string) (*nats.PubAck, error) {
	prefix := v.notificationsSubjectPrefix()
	if prefix == nil {
		return nil, fmt.Errorf("failed to dispatch event notification for verification %s; nil prefix", v.ID.String())
	}
	if event == "" {
		return nil, fmt.Errorf("failed to dispatch event notification for verification %s", v.ID.String())
	}
	subject := fmt.Sprintf("%s.%s", *prefix, event)
	payload, _ := json.Marshal(map[string]interface{}{
		"verification_id": v.ID.String(),
		"status":          v.Status,
	})
	return natsutil.NatsJetstreamPublish(subject, payload)
}

// notificationsSubjectPrefix returns a namespaced pub/sub subject prefix for the verification
func (v *Verification) notificationsSubjectPrefix() *string {
	if v.ApplicationID != nil {
		return common.StringOrNil(fmt.Sprintf("provenant.verification.notification.%s.%s", v.ApplicationID.String(), v.ID.String()))
	} else if v.OrganizationID != nil {
		return common.StringOrNil(fmt.Sprintf("provenant.verification.notification.%s.%s", v.OrganizationID.String(), v.ID.String()))
	} else if v.UserID != nil {
		return common.StringOrNil(fmt.Sprintf("provenant.verification.notification.%s.%s", v.UserID.String(), v.ID.String()))
	}

	return nil
}
