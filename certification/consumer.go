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

package certification

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jinzhu/gorm"
	dbconf "github.com/kthomas/go-db-config"
	natsutil "github.com/kthomas/go-natsutil"
	uuid "github.com/kthomas/go.uuid"
	"github.com/nats-io/nats.go"
	"github.com/provenant-ai/provenant/common"
	"github.com/provenant-ai/provenant/verification"
)

const natsVerificationCertifiedSubject = "provenant.verification.certified"
const certifiedAckWait = time.Minute * 1
const certifiedMaxInFlight = 64
const certifiedMaxDeliveries = 10

const natsCertificationCompleteSubject = "provenant.certification.complete"
const natsCertificationFailedSubject = "provenant.certification.failed"

var gateway API

// RequireGateway injects the downstream certification gateway client
func RequireGateway(client API) {
	gateway = client
}

// CertificationGateway returns the configured certification gateway client
func CertificationGateway() API {
	if gateway == nil {
		gateway = NewGateway()
	}
	return gateway
}

func init() {
	if !common.ConsumeNATSStreamingSubscriptions {
		common.Log.Debug("certification package consumer configured to skip NATS streaming subscription setup")
		return
	}

	natsutil.EstablishSharedNatsConnection(nil)

	var waitGroup sync.WaitGroup

	createNatsVerificationCertifiedSubscriptions(&waitGroup)
}

func createNatsVerificationCertifiedSubscriptions(wg *sync.WaitGroup) {
	for i := uint64(0); i < natsutil.GetNatsConsumerConcurrency(); i++ {
		natsutil.RequireNatsJetstreamSubscription(wg,
			certifiedAckWait,
			natsVerificationCertifiedSubject,
			natsVerificationCertifiedSubject,
			natsVerificationCertifiedSubject,
			consumeVerificationCertifiedMsg,
			certifiedAckWait,
			certifiedMaxInFlight,
			certifiedMaxDeliveries,
			nil,
		)
	}
}

func consumeVerificationCertifiedMsg(msg *nats.Msg) {
	defer func() {
		if r := recover(); r != nil {
			common.Log.Warningf("recovered during certification handoff; %s", r)
			msg.Nak()
		}
	}()

	common.Log.Debugf("consuming %d-byte NATS verification certified message on subject: %s", len(msg.Data), msg.Subject)

	params := map[string]interface{}{}
	err := json.Unmarshal(msg.Data, &params)
	if err != nil {
		common.Log.Warningf("failed to unmarshal verification certified message; %s", err.Error())
		msg.Nak()
		return
	}

	rawVerificationID, rawVerificationIDOk := params["verification_id"].(string)
	if !rawVerificationIDOk {
		common.Log.Warning("failed to unmarshal verification_id during certification handoff")
		msg.Nak()
		return
	}

	verificationID, err := uuid.FromString(rawVerificationID)
	if err != nil {
		common.Log.Warningf("failed to parse verification id during certification handoff; %s", err.Error())
		msg.Nak()
		return
	}

	db := dbconf.DatabaseConnection()

	err = certifyVerification(db, verificationID)
	if err != nil {
		if IsTransient(err) {
			common.Log.Debugf("transient certification gateway error for verification %s; %s", verificationID, err.Error())
			msg.Nak()
			return
		}

		common.Log.Warningf("certification handoff failed for verification %s; %s", verificationID, err.Error())
		msg.Ack()
		return
	}

	msg.Ack()
}

// certifyVerification relays a resolved verification to the certification
// gateway; the outcome lands in metadata and the certification subjects only,
// the verification status is never touched here
func certifyVerification(db *gorm.DB, verificationID uuid.UUID) error {
	v := verification.Find(db, verificationID)
	if v == nil {
		return verification.ErrNotFound
	}

	params := map[string]interface{}{
		"verification_id": v.ID.String(),
		"output_hash":     v.OutputHash,
	}
	if v.Proof != nil {
		params["proof"] = v.Proof
	}

	err := CertificationGateway().Certify(params)
	if err != nil {
		if !IsTransient(err) {
			v.MergeMetadata(db, map[string]interface{}{
				"certification_error": err.Error(),
			})
			publishCertificationEvent(natsCertificationFailedSubject, v.ID.String())
		}
		return err
	}

	v.MergeMetadata(db, map[string]interface{}{
		"certified":    true,
		"certified_at": time.Now(),
	})

	publishCertificationEvent(natsCertificationCompleteSubject, v.ID.String())
	return nil
}

func publishCertificationEvent(subject, verificationID string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"verification_id": verificationID,
	})
	_, err := natsutil.NatsJetstreamPublish(subject, payload)
	if err != nil {
		common.Log.Warningf("failed to publish %s for verification %s; %s", subject, verificationID, err.Error())
	}
}
