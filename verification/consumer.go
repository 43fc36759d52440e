/*
 * Copyright 2024-2025 Provenant Labs, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package verification

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jinzhu/gorm"
	dbconf "github.com/kthomas/go-db-config"
	natsutil "github.com/kthomas/go-natsutil"
	redisutil "github.com/kthomas/go-redisutil"
	uuid "github.com/kthomas/go.uuid"
	"github.com/nats-io/nats.go"
	"github.com/provenant-ai/provenant/attestation"
	"github.com/provenant-ai/provenant/common"
)

const defaultNatsStream = "provenant"

const natsAttestationSubmissionSubject = "provenant.verification.attestation.pending"
const attestationSubmissionAckWait = time.Minute * 2
const attestationSubmissionMaxInFlight = 32
const attestationSubmissionMaxDeliveries = 5

const natsAttestationPollSubject = "provenant.verification.attestation.poll"
const attestationPollAckWait = time.Second * 15
const attestationPollMaxInFlight = 512
const attestationPollMaxDeliveries = 240

const natsVerificationCertifiedSubject = "provenant.verification.certified"

func init() {
	if !common.ConsumeNATSStreamingSubscriptions {
		common.Log.Debug("verification package consumer configured to skip NATS streaming subscription setup")
		return
	}

	natsutil.EstablishSharedNatsConnection(nil)
	natsutil.NatsCreateStream(defaultNatsStream, []string{
		fmt.Sprintf("%s.>", defaultNatsStream),
	})

	var waitGroup sync.WaitGroup

	createNatsAttestationSubmissionSubscriptions(&waitGroup)
	createNatsAttestationPollSubscriptions(&waitGroup)
}

func createNatsAttestationSubmissionSubscriptions(wg *sync.WaitGroup) {
	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			attestationSubmissionAckWait,
			natsAttestationSubmissionSubject,
			natsAttestationSubmissionSubject,
			natsAttestationSubmissionSubject,
			consumeAttestationSubmissionMsg,
			attestationSubmissionAckWait,
			attestationSubmissionMaxInFlight,
			attestationSubmissionMaxDeliveries,
			nil,
		)
	}
}

func createNatsAttestationPollSubscriptions(wg *sync.WaitGroup) {
	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			attestationPollAckWait,
			natsAttestationPollSubject,
			natsAttestationPollSubject,
			natsAttestationPollSubject,
			consumeAttestationPollMsg,
			attestationPollAckWait,
			attestationPollMaxInFlight,
			attestationPollMaxDeliveries,
			nil,
		)
	}
}

func consumeAttestationSubmissionMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during attestation submission; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS attestation submission message on subject: %s", len(msg.Data), msg.Subject)

	verification := resolveConsumerVerification(msg)
	if verification == nil {
		return
	}

	db := dbconf.DatabaseConnection()

	err := redisutil.WithRedlock(verification.lockKey(), func() error {
		return verification.submitAttestation(db)
	})
	if err != nil {
		common.Log.Warningf("failed to submit attestation for verification %s; %s", verification.ID, err.Error())
		msg.Nak()
		return
	}

	msg.Ack()
}

func consumeAttestationPollMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during attestation status poll; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS attestation poll message on subject: %s", len(msg.Data), msg.Subject)

	verification := resolveConsumerVerification(msg)
	if verification == nil {
		return
	}

	if verification.Status != nil && *verification.Status != StatusPending {
		common.Log.Debugf("verification %s already resolved; status: %s", verification.ID, *verification.Status)
		msg.Ack()
		return
	}

	if verification.AttestationID == nil {
		common.Log.Debugf("verification %s has no attestation claim id; awaiting submission", verification.ID)
		msg.Nak()
		return
	}

	claim, err := Attestor().ClaimStatus(*verification.AttestationID)
	if err != nil {
		if attestation.IsTransient(err) {
			common.Log.Debugf("transient attestation network error while polling claim %s; %s", *verification.AttestationID, err.Error())
			msg.Nak()
			return
		}

		common.Log.Warningf("attestation network no longer recognizes claim %s; %s", *verification.AttestationID, err.Error())
		db := dbconf.DatabaseConnection()
		if transitionClaimStatus(db, verification.ID, *verification.AttestationID, StatusPending, StatusRejected, map[string]interface{}{
			"resolved_at": time.Now(),
		}) {
			verification.Status = common.StringOrNil(StatusRejected)
			verification.MergeMetadata(db, map[string]interface{}{
				"attestation_error": err.Error(),
			})
			verification.dispatchNotification(NotificationVerificationRejected)
		}
		msg.Ack()
		return
	}

	if claim.Status == nil || *claim.Status == attestation.ClaimStatusPending {
		if md, mdErr := msg.Metadata(); mdErr == nil && md.NumDelivered >= uint64(attestationPollMaxDeliveries) {
			common.Log.Warningf("attestation claim %s still unresolved on final poll delivery", *verification.AttestationID)
			expireUnresolvedClaim(dbconf.DatabaseConnection(), verification)
			msg.Ack()
			return
		}

		// Nak so jetstream redelivery acts as the poll timer
		msg.Nak()
		return
	}

	db := dbconf.DatabaseConnection()
	confirmed := *claim.Status == attestation.ClaimStatusConfirmed

	err = redisutil.WithRedlock(verification.lockKey(), func() error {
		return verification.resolve(db, *verification.AttestationID, confirmed, claim.Proof)
	})
	if err != nil {
		common.Log.Warningf("failed to resolve verification %s; %s", verification.ID, err.Error())
		msg.Nak()
		return
	}

	msg.Ack()
}

// expireUnresolvedClaim terminally rejects a verification whose attestation
// claim never reached an outcome before polling was exhausted; a record is
// never left silently pending once its poll messages stop redelivering
func expireUnresolvedClaim(db *gorm.DB, v *Verification) {
	if v.AttestationID == nil {
		return
	}

	if transitionClaimStatus(db, v.ID, *v.AttestationID, StatusPending, StatusRejected, map[string]interface{}{
		"resolved_at": time.Now(),
	}) {
		v.Status = common.StringOrNil(StatusRejected)
		v.MergeMetadata(db, map[string]interface{}{
			"attestation_error": "attestation network never resolved the claim",
		})
		v.dispatchNotification(NotificationVerificationRejected)
	}
}

func resolveConsumerVerification(msg *nats.Msg) *Verification {
	params := map[string]interface{}{}
	err := json.Unmarshal(msg.Data, &params)
	if err != nil {
		common.Log.Warningf("failed to unmarshal verification message; %s", err.Error())
		msg.Nak()
		return nil
	}

	verificationID, verificationIDOk := params["verification_id"].(string)
	if !verificationIDOk {
		common.Log.Warning("failed to unmarshal verification_id during message handler")
		msg.Nak()
		return nil
	}

	id, err := uuid.FromString(verificationID)
	if err != nil {
		common.Log.Warningf("failed to parse verification id during message handler; %s", err.Error())
		msg.Nak()
		return nil
	}

	db := dbconf.DatabaseConnection()

	verification := Find(db, id)
	if verification == nil {
		common.Log.Warningf("failed to resolve verification during async message handler; verification id: %s", verificationID)
		msg.Nak()
		return nil
	}

	return verification
}

// LockKey returns the distributed lock key serializing transitions of the
// verification with the given id
func LockKey(verificationID uuid.UUID) string {
	return fmt.Sprintf("provenant.verification.%s", verificationID.String())
}

func (v *Verification) lockKey() string {
	return LockKey(v.ID)
}
