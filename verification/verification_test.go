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

package verification

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenant-ai/provenant/attestation"
	"github.com/provenant-ai/provenant/common"
	"github.com/provenant-ai/provenant/identity"
	"github.com/provenant-ai/provenant/integrity"
	"github.com/provenant-ai/provenant/store"
)

var testSchemaDDL = []string{
	`CREATE TABLE verifications (
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
	)`,
	`CREATE TABLE stores (
		id varchar(36) PRIMARY KEY,
		created_at timestamp,
		name text,
		description text,
		provider varchar(8) NOT NULL
	)`,
	`CREATE TABLE hashes (id integer primary key autoincrement, store_id varchar(36) not null, hash varchar(64) not null, value blob not null)`,
	`CREATE TABLE trees (id integer primary key autoincrement, store_id varchar(36) not null, nodes blob, leaves blob, root varchar(66))`,
}

func testDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open("sqlite3", ":memory:")
	require.Nil(t, err)

	// a single connection so the in-memory database survives the pool
	db.DB().SetMaxOpenConns(1)

	for _, ddl := range testSchemaDDL {
		require.Nil(t, db.Exec(ddl).Error)
	}

	return db
}

type testSigner struct {
	key *ecdsa.PrivateKey
}

func newTestSigner(t *testing.T) *testSigner {
	key, err := ethcrypto.GenerateKey()
	require.Nil(t, err)
	return &testSigner{key: key}
}

func (s *testSigner) identity() string {
	return ethcrypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

func (s *testSigner) sign(t *testing.T, message string) string {
	hash := ethcrypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)))
	sig, err := ethcrypto.Sign(hash, s.key)
	require.Nil(t, err)
	return hex.EncodeToString(sig)
}

type fakeAttestor struct {
	submit        func(params map[string]interface{}) (*attestation.Claim, error)
	status        func(id string) (*attestation.Claim, error)
	proofVerified bool
}

func (f *fakeAttestor) SubmitClaim(params map[string]interface{}) (*attestation.Claim, error) {
	if f.submit != nil {
		return f.submit(params)
	}
	return testClaim("claim-1", attestation.ClaimStatusPending), nil
}

func (f *fakeAttestor) ClaimStatus(id string) (*attestation.Claim, error) {
	if f.status != nil {
		return f.status(id)
	}
	return testClaim(id, attestation.ClaimStatusPending), nil
}

func (f *fakeAttestor) VerifyProof(claimDigest string, proof map[string]interface{}) bool {
	return f.proofVerified
}

func testClaim(id, status string) *attestation.Claim {
	return &attestation.Claim{
		ID:     common.StringOrNil(id),
		Status: common.StringOrNil(status),
	}
}

func testSubmission(t *testing.T, signer *testSigner, output string) *Verification {
	digest := integrity.Hash(output)
	message := identity.ChallengeMessage(digest)

	return &Verification{
		Prompt:            common.StringOrNil("describe a fox"),
		Output:            common.StringOrNil(output),
		ModelName:         common.StringOrNil("provenant-lm-1"),
		SubmitterIdentity: common.StringOrNil(signer.identity()),
		Signature:         common.StringOrNil(signer.sign(t, message)),
	}
}

func verificationMetadata(t *testing.T, db *gorm.DB, v *Verification) map[string]interface{} {
	persisted := Find(db, v.ID)
	require.NotNil(t, persisted)

	metadata := map[string]interface{}{}
	if persisted.Metadata != nil {
		require.Nil(t, json.Unmarshal(*persisted.Metadata, &metadata))
	}
	return metadata
}

func TestCreateVerification(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "the quick brown fox jumps over the lazy dog")

	err := verification.Create(db)
	require.Nil(t, err)

	persisted := Find(db, verification.ID)
	require.NotNil(t, persisted)
	assert.Equal(t, StatusPending, *persisted.Status)
	assert.Equal(t, integrity.Hash("the quick brown fox jumps over the lazy dog"), *persisted.OutputHash)
	assert.Nil(t, persisted.AttestationID)
	assert.Nil(t, persisted.ResolvedAt)
}

func TestCreateVerificationWithExpectedHash(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	verification.ExpectedHash = common.StringOrNil(integrity.Hash("hello"))

	err := verification.Create(db)
	require.Nil(t, err)
	assert.Equal(t, StatusPending, *verification.Status)
}

func TestCreateVerificationIntegrityMismatch(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	verification.ExpectedHash = common.StringOrNil(integrity.Hash("goodbye"))

	err := verification.Create(db)
	assert.Equal(t, ErrIntegrityMismatch, err)

	var count int
	db.Model(&Verification{}).Count(&count)
	assert.Equal(t, 0, count)
}

func TestCreateVerificationAuthenticationFailed(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)
	impostor := newTestSigner(t)

	verification := testSubmission(t, signer, "hello")
	verification.SubmitterIdentity = common.StringOrNil(impostor.identity())

	err := verification.Create(db)
	assert.Equal(t, ErrAuthenticationFailed, err)

	var count int
	db.Model(&Verification{}).Count(&count)
	assert.Equal(t, 0, count)
}

func TestCreateVerificationSignedMessageMustEmbedDigest(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")

	message := "an unrelated message"
	verification.SignedMessage = common.StringOrNil(message)
	verification.Signature = common.StringOrNil(signer.sign(t, message))

	err := verification.Create(db)
	assert.Equal(t, ErrAuthenticationFailed, err)
}

func TestCreateVerificationWithoutSignature(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	verification.Signature = nil

	require.Nil(t, verification.Create(db))
	assert.Equal(t, StatusPending, *verification.Status)
	assert.Equal(t, integrity.Hash("hello"), *verification.OutputHash)
}

func TestCreateVerificationRequiredFields(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	verification := &Verification{}
	err := verification.Create(db)
	require.NotNil(t, err)
	assert.NotEmpty(t, verification.Errors)
}

func TestCreateVerificationDuplicateOutput(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)

	first := testSubmission(t, signer, "identical output")
	require.Nil(t, first.Create(db))
	assert.NotContains(t, verificationMetadata(t, db, first), "duplicate_output")

	second := testSubmission(t, signer, "identical output")
	require.Nil(t, second.Create(db))
	assert.Equal(t, true, verificationMetadata(t, db, second)["duplicate_output"])
}

func TestSubmitAttestationStoresClaimID(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{
		submit: func(params map[string]interface{}) (*attestation.Claim, error) {
			return testClaim("claim-42", attestation.ClaimStatusPending), nil
		},
	})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))

	require.Nil(t, verification.submitAttestation(db))

	persisted := Find(db, verification.ID)
	require.NotNil(t, persisted.AttestationID)
	assert.Equal(t, "claim-42", *persisted.AttestationID)
	assert.Equal(t, StatusPending, *persisted.Status)
}

func TestSubmitAttestationImmediateConfirmation(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{
		submit: func(params map[string]interface{}) (*attestation.Claim, error) {
			return testClaim("claim-7", attestation.ClaimStatusConfirmed), nil
		},
	})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))

	require.Nil(t, verification.submitAttestation(db))

	persisted := Find(db, verification.ID)
	assert.Equal(t, StatusVerified, *persisted.Status)
	assert.NotNil(t, persisted.ResolvedAt)

	// a confirmed digest lands in the transparency log
	path, err := store.VerifiedDigestProof(db, *persisted.OutputHash)
	assert.Nil(t, err)
	assert.NotNil(t, path)
}

func TestSubmitAttestationPermanentFailureRejects(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{
		submit: func(params map[string]interface{}) (*attestation.Claim, error) {
			return nil, &attestation.Error{Message: "malformed claim", StatusCode: 422}
		},
	})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))

	require.Nil(t, verification.submitAttestation(db))

	persisted := Find(db, verification.ID)
	assert.Equal(t, StatusRejected, *persisted.Status)
	assert.NotNil(t, persisted.ResolvedAt)
	assert.Equal(t, "malformed claim", verificationMetadata(t, db, verification)["attestation_error"])
}

func TestSubmitAttestationTransientExhaustionRejects(t *testing.T) {
	db := testDB(t)

	attempts := 0
	RequireAttestor(&fakeAttestor{
		submit: func(params map[string]interface{}) (*attestation.Claim, error) {
			attempts++
			return nil, &attestation.Error{Message: "network unavailable", Transient: true}
		},
	})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))

	require.Nil(t, verification.submitAttestation(db))

	assert.Equal(t, attestationSubmissionMaxAttempts, attempts)

	persisted := Find(db, verification.ID)
	assert.Equal(t, StatusRejected, *persisted.Status)
}

func TestSubmitAttestationTransientThenAccepted(t *testing.T) {
	db := testDB(t)

	attempts := 0
	RequireAttestor(&fakeAttestor{
		submit: func(params map[string]interface{}) (*attestation.Claim, error) {
			attempts++
			if attempts == 1 {
				return nil, &attestation.Error{Message: "network unavailable", Transient: true}
			}
			return testClaim("claim-9", attestation.ClaimStatusPending), nil
		},
	})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))

	require.Nil(t, verification.submitAttestation(db))

	assert.Equal(t, 2, attempts)

	persisted := Find(db, verification.ID)
	assert.Equal(t, StatusPending, *persisted.Status)
	assert.Equal(t, "claim-9", *persisted.AttestationID)
}

func TestResolveConfirmed(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{proofVerified: true})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))
	require.Nil(t, verification.submitAttestation(db))

	proof := map[string]interface{}{
		"digest": *verification.OutputHash,
		"root":   *verification.OutputHash,
		"path":   []interface{}{},
	}

	require.Nil(t, verification.resolve(db, *verification.AttestationID, true, proof))

	persisted := Find(db, verification.ID)
	assert.Equal(t, StatusVerified, *persisted.Status)
	assert.NotNil(t, persisted.ResolvedAt)
	assert.NotNil(t, persisted.Proof)
	assert.Equal(t, true, verificationMetadata(t, db, verification)["proof_verified"])
}

func TestResolveRejected(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))
	require.Nil(t, verification.submitAttestation(db))

	require.Nil(t, verification.resolve(db, *verification.AttestationID, false, nil))

	persisted := Find(db, verification.ID)
	assert.Equal(t, StatusRejected, *persisted.Status)
	assert.NotNil(t, persisted.ResolvedAt)
}

func TestResolveIdempotent(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))
	require.Nil(t, verification.submitAttestation(db))

	require.Nil(t, verification.resolve(db, *verification.AttestationID, true, nil))
	resolvedAt := Find(db, verification.ID).ResolvedAt

	// a redelivered outcome is a no-op, even a contradictory one
	require.Nil(t, verification.resolve(db, *verification.AttestationID, false, nil))

	persisted := Find(db, verification.ID)
	assert.Equal(t, StatusVerified, *persisted.Status)
	assert.Equal(t, resolvedAt.Unix(), persisted.ResolvedAt.Unix())
}

func TestResolveStaleAttestationIDDiscarded(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))
	require.Nil(t, verification.submitAttestation(db))

	require.Nil(t, verification.resolve(db, "claim-from-a-previous-attempt", true, nil))

	persisted := Find(db, verification.ID)
	assert.Equal(t, StatusPending, *persisted.Status)
}

func TestResolveStaleClaimAfterRetryDiscarded(t *testing.T) {
	db := testDB(t)

	claims := []string{"claim-a", "claim-b"}
	submissions := 0
	RequireAttestor(&fakeAttestor{
		submit: func(params map[string]interface{}) (*attestation.Claim, error) {
			claim := testClaim(claims[submissions], attestation.ClaimStatusPending)
			submissions++
			return claim, nil
		},
	})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))
	require.Nil(t, verification.submitAttestation(db))

	// a copy loaded before the first attempt is superseded
	stale := Find(db, verification.ID)
	require.Equal(t, "claim-a", *stale.AttestationID)

	require.Nil(t, verification.resolve(db, "claim-a", false, nil))
	require.Nil(t, verification.Retry(db))
	require.Nil(t, verification.submitAttestation(db))
	require.Equal(t, "claim-b", *Find(db, verification.ID).AttestationID)

	// the late confirmed outcome for claim-a matches the stale copy's own
	// claim id but must not land on the claim-b attempt
	require.Nil(t, stale.resolve(db, "claim-a", true, nil))

	persisted := Find(db, verification.ID)
	assert.Equal(t, StatusPending, *persisted.Status)
	assert.Equal(t, "claim-b", *persisted.AttestationID)
	assert.Nil(t, persisted.ResolvedAt)
}

func TestExpireUnresolvedClaim(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))
	require.Nil(t, verification.submitAttestation(db))

	expireUnresolvedClaim(db, verification)

	persisted := Find(db, verification.ID)
	assert.Equal(t, StatusRejected, *persisted.Status)
	assert.NotNil(t, persisted.ResolvedAt)
	assert.Equal(t, "attestation network never resolved the claim", verificationMetadata(t, db, verification)["attestation_error"])
}

func TestExpireUnresolvedClaimNoOpWhenResolved(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))
	require.Nil(t, verification.submitAttestation(db))
	require.Nil(t, verification.resolve(db, *verification.AttestationID, true, nil))

	expireUnresolvedClaim(db, verification)

	persisted := Find(db, verification.ID)
	assert.Equal(t, StatusVerified, *persisted.Status)
}

func TestRetryRejectedVerification(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))
	require.Nil(t, verification.submitAttestation(db))
	require.Nil(t, verification.resolve(db, *verification.AttestationID, false, nil))

	require.Nil(t, verification.Retry(db))

	persisted := Find(db, verification.ID)
	assert.Equal(t, StatusPending, *persisted.Status)
	assert.Nil(t, persisted.AttestationID)
	assert.Nil(t, persisted.ResolvedAt)
	assert.Equal(t, 1, persisted.RetryCount)
	assert.Equal(t, "claim-1", verificationMetadata(t, db, verification)["superseded_attestation_id"])
}

func TestRetryIllegalFromPending(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))

	assert.Equal(t, ErrInvalidStateTransition, verification.Retry(db))
}

func TestRetryIllegalFromVerified(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))
	require.Nil(t, verification.submitAttestation(db))
	require.Nil(t, verification.resolve(db, *verification.AttestationID, true, nil))

	assert.Equal(t, ErrInvalidStateTransition, verification.Retry(db))
}

func TestTransitionStatusCompareAndSet(t *testing.T) {
	db := testDB(t)
	RequireAttestor(&fakeAttestor{})

	signer := newTestSigner(t)
	verification := testSubmission(t, signer, "hello")
	require.Nil(t, verification.Create(db))

	assert.True(t, TransitionStatus(db, verification.ID, StatusPending, StatusVerified, nil))
	assert.False(t, TransitionStatus(db, verification.ID, StatusPending, StatusRejected, nil))

	persisted := Find(db, verification.ID)
	assert.Equal(t, StatusVerified, *persisted.Status)
}
