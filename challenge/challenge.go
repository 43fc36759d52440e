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

package challenge

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/jinzhu/gorm"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/api"
	"github.com/provenant-ai/provenant/common"
	"github.com/provenant-ai/provenant/verification"
)

// StatusPending indicates a challenge awaiting administrative review
const StatusPending = "pending"

// StatusResolved indicates a dismissed challenge; the parent verification is reinstated
const StatusResolved = "resolved"

// StatusUpheld indicates a sustained challenge; the parent verification is rejected
const StatusUpheld = "upheld"

// ErrNotChallengeable is returned when the parent verification is not in the
// verified status at the time the challenge is opened
var ErrNotChallengeable = errors.New("verification is not challengeable")

// ErrNotFound is returned when no challenge exists for the given id
var ErrNotFound = errors.New("challenge not found")

var errInvalidChallenge = errors.New("invalid challenge")

// Challenge model; a dispute opened against a verified record
type Challenge struct {
	provide.Model

	VerificationID *uuid.UUID `sql:"not null;type:uuid" json:"verification_id"`

	// Associations
	ApplicationID  *uuid.UUID `sql:"type:uuid" json:"-"`
	OrganizationID *uuid.UUID `sql:"type:uuid" json:"-"`
	UserID         *uuid.UUID `sql:"type:uuid" json:"-"`

	ChallengerIdentity *string          `sql:"not null" json:"challenger_identity"`
	Reason             *string          `json:"reason"`
	Evidence           *json.RawMessage `sql:"type:json" json:"evidence,omitempty"`

	Status     *string    `sql:"not null;default:'pending'" json:"status"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// BeforeCreate assigns an id when the underlying database has no uuid default
func (c *Challenge) BeforeCreate(scope *gorm.Scope) error {
	if c.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		return scope.SetColumn("ID", id)
	}
	return nil
}

// Find resolves a challenge by id
func Find(db *gorm.DB, id uuid.UUID) *Challenge {
	challenge := &Challenge{}
	db.Where("id = ?", id).Find(&challenge)
	if challenge.ID == uuid.Nil {
		return nil
	}
	return challenge
}

// FindByVerificationID resolves all challenges opened against the given verification
func FindByVerificationID(db *gorm.DB, verificationID uuid.UUID) []*Challenge {
	var challenges []*Challenge
	db.Where("verification_id = ?", verificationID).Order("created_at DESC").Find(&challenges)
	return challenges
}

// Create opens a challenge against a verified record; the parent verification
// transitions to challenged atomically with the challenge insert, so a record
// is never disputed twice and never disputed while unresolved
func (c *Challenge) Create(db *gorm.DB) error {
	if !c.validate() {
		return errInvalidChallenge
	}

	parent := verification.Find(db, *c.VerificationID)
	if parent == nil {
		return verification.ErrNotFound
	}

	tx := db.Begin()
	defer tx.RollbackUnlessCommitted()

	if !verification.TransitionStatus(tx, parent.ID, verification.StatusVerified, verification.StatusChallenged, nil) {
		return ErrNotChallengeable
	}

	result := tx.Create(&c)
	errs := result.GetErrors()
	if len(errs) > 0 {
		for _, err := range errs {
			c.Errors = append(c.Errors, &provide.Error{
				Message: common.StringOrNil(err.Error()),
			})
		}
		return errs[0]
	}

	tx.Commit()

	common.Log.Debugf("opened challenge %s against verification %s", c.ID, parent.ID)

	parent.Status = common.StringOrNil(verification.StatusChallenged)
	parent.DispatchNotification(verification.NotificationVerificationChallenged)

	return nil
}

// UpdateStatus applies an administrative challenge outcome; a dismissed
// challenge reinstates the parent verification, an upheld challenge rejects it
func (c *Challenge) UpdateStatus(db *gorm.DB, status string) error {
	var parentStatus string
	var parentEvent string

	switch status {
	case StatusResolved:
		parentStatus = verification.StatusVerified
		parentEvent = verification.NotificationVerificationResolved
	case StatusUpheld:
		parentStatus = verification.StatusRejected
		parentEvent = verification.NotificationVerificationRejected
	default:
		return verification.ErrInvalidStateTransition
	}

	parent := verification.Find(db, *c.VerificationID)
	if parent == nil {
		return verification.ErrNotFound
	}

	tx := db.Begin()
	defer tx.RollbackUnlessCommitted()

	result := tx.Model(&Challenge{}).Where("id = ? AND status = ?", c.ID, StatusPending).Updates(map[string]interface{}{
		"status":      status,
		"resolved_at": time.Now(),
	})
	errs := result.GetErrors()
	if len(errs) > 0 {
		return errs[0]
	}
	if result.RowsAffected != 1 {
		return verification.ErrInvalidStateTransition
	}

	if !verification.TransitionStatus(tx, parent.ID, verification.StatusChallenged, parentStatus, nil) {
		return verification.ErrInvalidStateTransition
	}

	tx.Commit()

	common.Log.Debugf("challenge %s %s; verification %s transitioned to %s", c.ID, status, parent.ID, parentStatus)

	c.Status = common.StringOrNil(status)
	now := time.Now()
	c.ResolvedAt = &now

	parent.Status = common.StringOrNil(parentStatus)
	parent.DispatchNotification(parentEvent)

	return nil
}

// validate the challenge params
func (c *Challenge) validate() bool {
	c.Errors = make([]*provide.Error, 0)

	if c.VerificationID == nil {
		c.Errors = append(c.Errors, &provide.Error{
			Message: common.StringOrNil("challenge verification id required"),
		})
	}

	if c.ChallengerIdentity == nil {
		c.Errors = append(c.Errors, &provide.Error{
			Message: common.StringOrNil("challenger identity required"),
		})
	}

	return len(c.Errors) == 0
}
