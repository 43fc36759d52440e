// +build unit

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
	"testing"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	uuid "github.com/kthomas/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenant-ai/provenant/common"
	"github.com/provenant-ai/provenant/verification"
)

type fakeGateway struct {
	err    error
	called int
}

func (f *fakeGateway) Certify(params map[string]interface{}) error {
	f.called++
	return f.err
}

const testSchemaDDL = `CREATE TABLE verifications (
	id varchar(36) PRIMARY KEY,
	created_at timestamp,
	application_id varchar(36),
	organization_id varchar(36),
	user_id varchar(36),
	prompt text NOT NULL,
	output text NOT NULL,
	model varchar(64),
	output_hash varchar(64) NOT NULL,
	submitter_identity varchar(64) NOT NULL,
	signature text,
	status varchar(32) NOT NULL DEFAULT 'pending',
	attestation_id varchar(255),
	proof json,
	resolved_at timestamp,
	retry_count integer NOT NULL DEFAULT 0,
	metadata json
)`

func testDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open("sqlite3", ":memory:")
	require.Nil(t, err)

	// a single connection so the in-memory database survives the pool
	db.DB().SetMaxOpenConns(1)

	require.Nil(t, db.Exec(testSchemaDDL).Error)
	return db
}

func seedVerifiedVerification(t *testing.T, db *gorm.DB) *verification.Verification {
	v := &verification.Verification{
		Prompt:            common.StringOrNil("describe a fox"),
		Output:            common.StringOrNil("a fox is a small omnivorous mammal"),
		ModelName:         common.StringOrNil("provenant-lm-1"),
		OutputHash:        common.StringOrNil(common.SHA256("a fox is a small omnivorous mammal")),
		SubmitterIdentity: common.StringOrNil("0x14791697260E4c9A71f18484C9f997B308e59325"),
		Status:            common.StringOrNil(verification.StatusVerified),
	}
	require.Nil(t, db.Create(&v).Error)
	return v
}

func metadata(t *testing.T, db *gorm.DB, id uuid.UUID) map[string]interface{} {
	v := verification.Find(db, id)
	require.NotNil(t, v)

	params := map[string]interface{}{}
	if v.Metadata != nil {
		require.Nil(t, json.Unmarshal(*v.Metadata, &params))
	}
	return params
}

func TestCertifyVerification(t *testing.T) {
	db := testDB(t)
	v := seedVerifiedVerification(t, db)

	gateway := &fakeGateway{}
	RequireGateway(gateway)

	require.Nil(t, certifyVerification(db, v.ID))
	assert.Equal(t, 1, gateway.called)

	params := metadata(t, db, v.ID)
	assert.Equal(t, true, params["certified"])
	assert.NotNil(t, params["certified_at"])

	reloaded := verification.Find(db, v.ID)
	assert.Equal(t, verification.StatusVerified, *reloaded.Status)
}

func TestCertifyVerificationPermanentFailure(t *testing.T) {
	db := testDB(t)
	v := seedVerifiedVerification(t, db)

	RequireGateway(&fakeGateway{err: &Error{Message: "certificate rejected", StatusCode: 400}})

	err := certifyVerification(db, v.ID)
	require.NotNil(t, err)
	assert.False(t, IsTransient(err))

	params := metadata(t, db, v.ID)
	assert.Equal(t, "certificate rejected", params["certification_error"])

	// a failed handoff never reverts the verification
	reloaded := verification.Find(db, v.ID)
	assert.Equal(t, verification.StatusVerified, *reloaded.Status)
}

func TestCertifyVerificationTransientFailure(t *testing.T) {
	db := testDB(t)
	v := seedVerifiedVerification(t, db)

	RequireGateway(&fakeGateway{err: &Error{Message: "gateway unavailable", Transient: true}})

	err := certifyVerification(db, v.ID)
	require.NotNil(t, err)
	assert.True(t, IsTransient(err))

	// transient failures leave no trace; the message is redelivered
	params := metadata(t, db, v.ID)
	assert.NotContains(t, params, "certification_error")
}

func TestCertifyVerificationNotFound(t *testing.T) {
	db := testDB(t)

	RequireGateway(&fakeGateway{})

	id, _ := uuid.NewV4()
	assert.Equal(t, verification.ErrNotFound, certifyVerification(db, id))
}
