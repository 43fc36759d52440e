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
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jinzhu/gorm"
	dbconf "github.com/kthomas/go-db-config"
	redisutil "github.com/kthomas/go-redisutil"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/common"
	util "github.com/provideplatform/provide-go/common/util"
	"github.com/provenant-ai/provenant/common"
	"github.com/provenant-ai/provenant/store"
)

func resolveVerificationsQuery(db *gorm.DB, verificationID, orgID, appID, userID *uuid.UUID) *gorm.DB {
	query := db.Select("verifications.*")
	if verificationID != nil {
		query = query.Where("verifications.id = ?", verificationID)
	}
	if orgID != nil {
		query = query.Where("verifications.organization_id = ?", orgID)
	}
	if appID != nil {
		query = query.Where("verifications.application_id = ?", appID)
	}
	if userID != nil {
		query = query.Where("verifications.user_id = ?", userID)
	}
	return query
}

// InstallAPI registers the verification API handlers with gin
func InstallAPI(r *gin.Engine) {
	r.GET("/api/v1/verifications", listVerificationsHandler)
	r.POST("/api/v1/verifications", createVerificationHandler)
	r.GET("/api/v1/verifications/:id", verificationDetailsHandler)
	r.GET("/api/v1/verifications/:id/proof", verificationProofHandler)
	r.POST("/api/v1/verifications/:id/retry", retryVerificationHandler)

	r.POST("/api/v1/attestations/callback", attestationCallbackHandler)
}

func listVerificationsHandler(c *gin.Context) {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	if appID == nil && orgID == nil && userID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	db := dbconf.DatabaseConnection()
	query := resolveVerificationsQuery(db, nil, orgID, appID, userID)

	if c.Query("status") != "" {
		query = query.Where("verifications.status = ?", c.Query("status"))
	}

	var verifications []*Verification
	provide.Paginate(c, query, &Verification{}).Find(&verifications)
	provide.Render(verifications, 200, c)
}

// submit a claim; authenticates the claim signature and checks content
// integrity before anything is persisted
func createVerificationHandler(c *gin.Context) {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	if appID == nil && orgID == nil && userID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	verification := &Verification{}
	err = json.Unmarshal(buf, verification)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	if appID != nil {
		verification.ApplicationID = appID
	}

	if orgID != nil {
		verification.OrganizationID = orgID
	}

	if userID != nil {
		verification.UserID = userID
	}

	db := dbconf.DatabaseConnection()

	err = verification.Create(db)
	if err != nil {
		renderVerificationError(err, verification, c)
		return
	}

	provide.Render(verification, 201, c)
}

// fetch verification details
func verificationDetailsHandler(c *gin.Context) {
	verification := resolveAuthorizedVerification(c)
	if verification == nil {
		return
	}

	provide.Render(verification, 200, c)
}

// fetch the merkle path proving inclusion of a verified claim digest in the transparency log
func verificationProofHandler(c *gin.Context) {
	verification := resolveAuthorizedVerification(c)
	if verification == nil {
		return
	}

	if verification.Status == nil || (*verification.Status != StatusVerified && *verification.Status != StatusChallenged) {
		provide.RenderError("verification has not been resolved", 422, c)
		return
	}

	db := dbconf.DatabaseConnection()

	path, err := store.VerifiedDigestProof(db, *verification.OutputHash)
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	log := store.RequireTransparencyLog(db)
	if log == nil {
		provide.RenderError("failed to resolve transparency log store", 500, c)
		return
	}

	root, err := log.Root(db)
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	provide.Render(map[string]interface{}{
		"verification_id": verification.ID,
		"output_hash":     verification.OutputHash,
		"proof":           verification.Proof,
		"log_root":        root,
		"log_path":        path,
	}, 200, c)
}

// reset a rejected verification and resubmit its claim for attestation
func retryVerificationHandler(c *gin.Context) {
	verification := resolveAuthorizedVerification(c)
	if verification == nil {
		return
	}

	db := dbconf.DatabaseConnection()

	err := redisutil.WithRedlock(verification.lockKey(), func() error {
		return verification.Retry(db)
	})
	if err != nil {
		renderVerificationError(err, verification, c)
		return
	}

	provide.Render(verification, 200, c)
}

// push-style resolution delivered by the attestation network
func attestationCallbackHandler(c *gin.Context) {
	if !callbackAuthorized(c) {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	var params map[string]interface{}
	err = json.Unmarshal(buf, &params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	attestationID, attestationIDOk := params["attestation_id"].(string)
	if !attestationIDOk {
		provide.RenderError("attestation_id required", 422, c)
		return
	}

	outcome, outcomeOk := params["outcome"].(string)
	if !outcomeOk || (outcome != "confirmed" && outcome != "rejected") {
		provide.RenderError("outcome must be confirmed or rejected", 422, c)
		return
	}

	proof, _ := params["proof"].(map[string]interface{})

	db := dbconf.DatabaseConnection()

	verification := FindByAttestationID(db, attestationID)
	if verification == nil {
		provide.RenderError("verification not found", 404, c)
		return
	}

	err = redisutil.WithRedlock(verification.lockKey(), func() error {
		return verification.resolve(db, attestationID, outcome == "confirmed", proof)
	})
	if err != nil {
		provide.RenderError(err.Error(), 500, c)
		return
	}

	provide.Render(map[string]interface{}{
		"verification_id": verification.ID,
		"status":          verification.Status,
	}, 202, c)
}

func callbackAuthorized(c *gin.Context) bool {
	token := os.Getenv("ATTESTATION_CALLBACK_TOKEN")
	if token == "" {
		return false
	}

	authorization := strings.TrimPrefix(strings.ToLower(c.GetHeader("authorization")), "bearer ")
	return authorization == strings.ToLower(token)
}

func resolveAuthorizedVerification(c *gin.Context) *Verification {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	if appID == nil && orgID == nil && userID == nil {
		provide.RenderError("unauthorized", 401, c)
		return nil
	}

	db := dbconf.DatabaseConnection()
	verificationID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return nil
	}

	verification := &Verification{}
	resolveVerificationsQuery(db, &verificationID, orgID, appID, userID).Find(&verification)

	if verification == nil || verification.ID == uuid.Nil {
		provide.RenderError("verification not found", 404, c)
		return nil
	}

	return verification
}

func renderVerificationError(err error, v *Verification, c *gin.Context) {
	switch {
	case errors.Is(err, ErrAuthenticationFailed):
		provide.RenderError(ErrAuthenticationFailed.Error(), 401, c)
	case errors.Is(err, ErrIntegrityMismatch):
		provide.RenderError(ErrIntegrityMismatch.Error(), 422, c)
	case errors.Is(err, ErrInvalidStateTransition):
		provide.RenderError(ErrInvalidStateTransition.Error(), 409, c)
	case errors.Is(err, ErrNotFound):
		provide.RenderError(ErrNotFound.Error(), 404, c)
	default:
		obj := map[string]interface{}{}
		if len(v.Errors) > 0 {
			obj["errors"] = v.Errors
		} else {
			obj["errors"] = []*map[string]interface{}{{"message": common.StringOrNil(err.Error())}}
		}
		provide.Render(obj, 422, c)
	}
}
