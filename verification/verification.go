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
	"errors"
	"strings"
	"time"

	"github.com/jinzhu/gorm"
	natsutil "github.com/kthomas/go-natsutil"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/api"
	"github.com/provenant-ai/provenant/attestation"
	"github.com/provenant-ai/provenant/common"
	"github.com/provenant-ai/provenant/identity"
	"github.com/provenant-ai/provenant/integrity"
	"github.com/provenant-ai/provenant/store"
)

// StatusPending indicates a verification awaiting attestation
const StatusPending = "pending"

// StatusVerified indicates a verification confirmed by the attestation network
const StatusVerified = "verified"

// StatusChallenged indicates a verified verification under dispute
const StatusChallenged = "challenged"

// StatusRejected indicates a verification rejected by the attestation network
// or failed during attestation submission
const StatusRejected = "rejected"

const attestationSubmissionMaxAttempts = 3
const attestationSubmissionRetryInterval = time.Second * 1

// ErrAuthenticationFailed is returned when a claim signature does not recover
// to the claimed submitter identity
var ErrAuthenticationFailed = errors.New("failed to authenticate claim signature")

// ErrIntegrityMismatch is returned when a caller-supplied content hash does
// not match the computed digest of the submitted output
var ErrIntegrityMismatch = errors.New("content hash mismatch")

// ErrInvalidStateTransition is returned when a retry or resolution is illegal
// given the current verification status
var ErrInvalidStateTransition = errors.New("invalid verification state transition")

// ErrNotFound is returned when no verification exists for the given id
var ErrNotFound = errors.New("verification not found")

var errInvalidSubmission = errors.New("invalid verification submission")

var attestor attestation.API

// RequireAttestor injects the attestation network client used by the
// orchestration layer; dependencies are constructed at process startup
func RequireAttestor(client attestation.API) {
	attestor = client
}

// Attestor returns the configured attestation network client
func Attestor() attestation.API {
	if attestor == nil {
		attestor = attestation.NewClient()
	}
	return attestor
}

// Verification model; the central record of a claim that a piece of content
// was produced by the named AI model for the given prompt
type Verification struct {
	provide.Model

	// Associations
	ApplicationID  *uuid.UUID `sql:"type:uuid" json:"-"`
	OrganizationID *uuid.UUID `sql:"type:uuid" json:"-"`
	UserID         *uuid.UUID `sql:"type:uuid" json:"-"`

	// The claim; immutable after creation
	Prompt            *string `sql:"not null" json:"prompt"`
	Output            *string `sql:"not null" json:"output"`
	ModelName         *string `gorm:"column:model" json:"model"`
	OutputHash        *string `sql:"not null" json:"output_hash"`
	SubmitterIdentity *string `sql:"not null" json:"submitter_identity"`
	Signature         *string `json:"signature,omitempty"`

	Status        *string          `sql:"not null;default:'pending'" json:"status"`
	AttestationID *string          `json:"attestation_id,omitempty"`
	Proof         *json.RawMessage `sql:"type:json" json:"proof,omitempty"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
	RetryCount    int              `sql:"not null;default:0" json:"retry_count"`
	Metadata      *json.RawMessage `sql:"type:json" json:"metadata,omitempty"`

	// ephemeral fields provided at submission time
	ExpectedHash  *string `sql:"-" json:"hash,omitempty"`
	SignedMessage *string `sql:"-" json:"message,omitempty"`
}

// BeforeCreate assigns an id when the underlying database has no uuid default
func (v *Verification) BeforeCreate(scope *gorm.Scope) error {
	if v.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		return scope.SetColumn("ID", id)
	}
	return nil
}

// Find resolves a verification by id
func Find(db *gorm.DB, id uuid.UUID) *Verification {
	verification := &Verification{}
	db.Where("id = ?", id).Find(&verification)
	if verification.ID == uuid.Nil {
		return nil
	}
	return verification
}

// FindByAttestationID resolves a verification by the claim id assigned by the
// attestation network
func FindByAttestationID(db *gorm.DB, attestationID string) *Verification {
	verification := &Verification{}
	db.Where("attestation_id = ?", attestationID).Find(&verification)
	if verification.ID == uuid.Nil {
		return nil
	}
	return verification
}

// TransitionStatus atomically transitions the status of the verification with
// the given id, applying the given patch only when the current status matches
// the expected status; returns true when the transition was applied
func TransitionStatus(db *gorm.DB, verificationID uuid.UUID, fromStatus, toStatus string, patch map[string]interface{}) bool {
	if patch == nil {
		patch = map[string]interface{}{}
	}
	patch["status"] = toStatus

	result := db.Model(&Verification{}).Where("id = ? AND status = ?", verificationID, fromStatus).Updates(patch)
	errors := result.GetErrors()
	if len(errors) > 0 {
		for _, err := range errors {
			common.Log.Warningf("failed to transition verification %s from %s to %s; %s", verificationID, fromStatus, toStatus, err.Error())
		}
		return false
	}

	return result.RowsAffected == 1
}

// Create persists the verification in the pending state and dispatches the
// claim for asynchronous attestation; authentication and integrity checks
// gate out bad submissions before any persistent side effect occurs
func (v *Verification) Create(db *gorm.DB) error {
	if !v.validate() {
		return errInvalidSubmission
	}

	digest := integrity.Hash(*v.Output)

	if v.Signature != nil {
		message := identity.ChallengeMessage(digest)
		if v.SignedMessage != nil {
			// a caller-supplied message is only acceptable when it embeds the content hash
			if !strings.Contains(strings.ToLower(*v.SignedMessage), digest) {
				v.Errors = append(v.Errors, &provide.Error{
					Message: common.StringOrNil("signed message must embed the content hash"),
				})
				return ErrAuthenticationFailed
			}
			message = *v.SignedMessage
		}

		if !identity.Authenticate(*v.SubmitterIdentity, message, *v.Signature) {
			v.Errors = append(v.Errors, &provide.Error{
				Message: common.StringOrNil("signature did not recover to the claimed submitter identity"),
			})
			return ErrAuthenticationFailed
		}
	}

	if v.ExpectedHash != nil && !integrity.Verify(*v.Output, *v.ExpectedHash) {
		v.Errors = append(v.Errors, &provide.Error{
			Message: common.StringOrNil("expected content hash did not match the computed output digest"),
		})
		return ErrIntegrityMismatch
	}

	v.OutputHash = common.StringOrNil(digest)
	v.Status = common.StringOrNil(StatusPending)

	result := db.Create(&v)
	errs := result.GetErrors()
	if len(errs) > 0 {
		for _, err := range errs {
			v.Errors = append(v.Errors, &provide.Error{
				Message: common.StringOrNil(err.Error()),
			})
		}
		return errs[0]
	}

	common.Log.Debugf("initialized %s verification for model %s: %s", *v.Status, *v.ModelName, v.ID)

	seen, err := store.IndexContentDigest(db, digest)
	if err != nil {
		common.Log.Warningf("failed to index content digest for verification %s; %s", v.ID, err.Error())
	} else if seen {
		v.MergeMetadata(db, map[string]interface{}{
			"duplicate_output": true,
		})
	}

	v.dispatchAttestation()
	return nil
}

// Retry resets a rejected verification to pending and re-dispatches the claim
// for attestation; illegal from any other status
func (v *Verification) Retry(db *gorm.DB) error {
	previousAttestationID := v.AttestationID

	if !TransitionStatus(db, v.ID, StatusRejected, StatusPending, map[string]interface{}{
		"attestation_id": nil,
		"retry_count":    gorm.Expr("retry_count + 1"),
		"resolved_at":    nil,
	}) {
		return ErrInvalidStateTransition
	}

	v.Status = common.StringOrNil(StatusPending)
	v.AttestationID = nil
	v.ResolvedAt = nil
	v.RetryCount++

	if previousAttestationID != nil {
		v.MergeMetadata(db, map[string]interface{}{
			"superseded_attestation_id": *previousAttestationID,
		})
	}

	common.Log.Debugf("reset rejected verification %s to %s; retry count: %d", v.ID, StatusPending, v.RetryCount)
	v.dispatchAttestation()
	return nil
}

// submitAttestation relays the claim to the attestation network, retrying
// transient failures a small bounded number of times; permanent or exhausted
// failures terminally reject the verification so no record is ever left
// silently pending
func (v *Verification) submitAttestation(db *gorm.DB) error {
	if v.Status == nil || *v.Status != StatusPending {
		common.Log.Debugf("short-circuiting attestation submission for verification %s", v.ID)
		return nil
	}

	params := map[string]interface{}{
		"verification_id": v.ID.String(),
		"digest":          *v.OutputHash,
		"model":           *v.ModelName,
		"identity":        *v.SubmitterIdentity,
	}

	var claim *attestation.Claim
	var err error

	for attempt := 0; attempt < attestationSubmissionMaxAttempts; attempt++ {
		claim, err = Attestor().SubmitClaim(params)
		if err == nil {
			break
		}
		if !attestation.IsTransient(err) {
			break
		}
		common.Log.Debugf("transient attestation network error for verification %s; attempt %d of %d; %s", v.ID, attempt+1, attestationSubmissionMaxAttempts, err.Error())
		if attempt < attestationSubmissionMaxAttempts-1 {
			time.Sleep(attestationSubmissionRetryInterval)
		}
	}

	if err != nil {
		common.Log.Warningf("attestation submission failed for verification %s; %s", v.ID, err.Error())
		if TransitionStatus(db, v.ID, StatusPending, StatusRejected, map[string]interface{}{
			"resolved_at": time.Now(),
		}) {
			v.Status = common.StringOrNil(StatusRejected)
			v.MergeMetadata(db, map[string]interface{}{
				"attestation_error": err.Error(),
			})
			v.dispatchNotification(NotificationVerificationRejected)
		}
		return nil
	}

	// conditional write so a concurrent terminal transition is never clobbered
	result := db.Model(&Verification{}).Where("id = ? AND status = ?", v.ID, StatusPending).Update("attestation_id", *claim.ID)
	if result.RowsAffected == 0 {
		common.Log.Debugf("verification %s transitioned while awaiting attestation submission; claim id %s not stored", v.ID, *claim.ID)
		return nil
	}
	v.AttestationID = claim.ID

	if claim.Status != nil {
		switch *claim.Status {
		case attestation.ClaimStatusConfirmed:
			return v.resolve(db, *claim.ID, true, claim.Proof)
		case attestation.ClaimStatusRejected:
			return v.resolve(db, *claim.ID, false, claim.Proof)
		}
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"verification_id": v.ID.String(),
	})
	_, err = natsutil.NatsJetstreamPublish(natsAttestationPollSubject, payload)
	if err != nil {
		common.Log.Warningf("failed to dispatch attestation poll message for verification %s; %s", v.ID, err.Error())
	}

	return nil
}

// transitionClaimStatus atomically transitions the status of a verification,
// applying the patch only when both the current status and the stored claim id
// match; the persisted claim id is the authority here, not any in-memory copy,
// so a late outcome for a superseded claim can never land on a fresh attempt
func transitionClaimStatus(db *gorm.DB, verificationID uuid.UUID, attestationID, fromStatus, toStatus string, patch map[string]interface{}) bool {
	if patch == nil {
		patch = map[string]interface{}{}
	}
	patch["status"] = toStatus

	result := db.Model(&Verification{}).Where("id = ? AND status = ? AND attestation_id = ?", verificationID, fromStatus, attestationID).Updates(patch)
	errs := result.GetErrors()
	if len(errs) > 0 {
		for _, err := range errs {
			common.Log.Warningf("failed to transition verification %s from %s to %s; %s", verificationID, fromStatus, toStatus, err.Error())
		}
		return false
	}

	return result.RowsAffected == 1
}

// resolve applies a final attestation outcome; duplicate and stale outcomes
// are discarded without erroring the caller
func (v *Verification) resolve(db *gorm.DB, attestationID string, confirmed bool, proof map[string]interface{}) error {
	if v.AttestationID == nil || *v.AttestationID != attestationID {
		common.Log.Debugf("discarding stale attestation outcome for verification %s; claim id: %s", v.ID, attestationID)
		return nil
	}

	if !confirmed {
		if transitionClaimStatus(db, v.ID, attestationID, StatusPending, StatusRejected, map[string]interface{}{
			"resolved_at": time.Now(),
		}) {
			v.Status = common.StringOrNil(StatusRejected)
			common.Log.Debugf("verification %s rejected by attestation network; claim id: %s", v.ID, attestationID)
			v.dispatchNotification(NotificationVerificationRejected)
		} else {
			common.Log.Debugf("discarding duplicate attestation outcome for verification %s; claim id: %s", v.ID, attestationID)
		}
		return nil
	}

	patch := map[string]interface{}{
		"resolved_at": time.Now(),
	}

	var rawProof json.RawMessage
	if proof != nil {
		rawProof, _ = json.Marshal(proof)
		patch["proof"] = []byte(rawProof)
	}

	if !transitionClaimStatus(db, v.ID, attestationID, StatusPending, StatusVerified, patch) {
		common.Log.Debugf("discarding stale or duplicate attestation outcome for verification %s; claim id: %s", v.ID, attestationID)
		return nil
	}

	v.Status = common.StringOrNil(StatusVerified)
	if rawProof != nil {
		v.Proof = &rawProof
	}

	if proof != nil {
		v.MergeMetadata(db, map[string]interface{}{
			"proof_verified": Attestor().VerifyProof(*v.OutputHash, proof),
		})
	}

	_, err := store.AppendVerifiedDigest(db, *v.OutputHash)
	if err != nil {
		common.Log.Warningf("failed to append verification %s digest to transparency log; %s", v.ID, err.Error())
	}

	common.Log.Debugf("verification %s confirmed by attestation network; claim id: %s", v.ID, attestationID)

	payload, _ := json.Marshal(map[string]interface{}{
		"verification_id": v.ID.String(),
		"output_hash":     *v.OutputHash,
	})
	_, err = natsutil.NatsJetstreamPublish(natsVerificationCertifiedSubject, payload)
	if err != nil {
		common.Log.Warningf("failed to dispatch certification message for verification %s; %s", v.ID, err.Error())
	}

	v.dispatchNotification(NotificationVerificationResolved)
	return nil
}

// dispatchAttestation hands the claim to the asynchronous attestation
// submission consumer; best-effort from the caller's perspective
func (v *Verification) dispatchAttestation() {
	payload, _ := json.Marshal(map[string]interface{}{
		"verification_id": v.ID.String(),
	})
	_, err := natsutil.NatsJetstreamPublish(natsAttestationSubmissionSubject, payload)
	if err != nil {
		common.Log.Warningf("failed to dispatch attestation submission message for verification %s; %s", v.ID, err.Error())
	}
}

// MergeMetadata merges the given diagnostic params into the verification
// metadata; metadata is append-only in practice and never decides transitions
func (v *Verification) MergeMetadata(db *gorm.DB, params map[string]interface{}) {
	metadata := map[string]interface{}{}
	if v.Metadata != nil {
		json.Unmarshal(*v.Metadata, &metadata)
	}

	for k, val := range params {
		metadata[k] = val
	}

	raw, _ := json.Marshal(metadata)
	rawMsg := json.RawMessage(raw)

	result := db.Model(&Verification{}).Where("id = ?", v.ID).Update("metadata", []byte(raw))
	errs := result.GetErrors()
	if len(errs) > 0 {
		common.Log.Warningf("failed to merge metadata for verification %s; %s", v.ID, errs[0].Error())
		return
	}

	v.Metadata = &rawMsg
}

// validate the verification params
func (v *Verification) validate() bool {
	v.Errors = make([]*provide.Error, 0)

	if v.Prompt == nil {
		v.Errors = append(v.Errors, &provide.Error{
			Message: common.StringOrNil("verification prompt required"),
		})
	}

	if v.Output == nil {
		v.Errors = append(v.Errors, &provide.Error{
			Message: common.StringOrNil("verification output required"),
		})
	}

	if v.ModelName == nil {
		v.Errors = append(v.Errors, &provide.Error{
			Message: common.StringOrNil("verification model required"),
		})
	}

	if v.SubmitterIdentity == nil {
		v.Errors = append(v.Errors, &provide.Error{
			Message: common.StringOrNil("verification submitter identity required"),
		})
	}

	return len(v.Errors) == 0
}
