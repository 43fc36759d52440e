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

	"github.com/gin-gonic/gin"
	dbconf "github.com/kthomas/go-db-config"
	redisutil "github.com/kthomas/go-redisutil"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/common"
	util "github.com/provideplatform/provide-go/common/util"
	"github.com/provenant-ai/provenant/verification"
)

// InstallAPI registers the challenge API handlers with gin
func InstallAPI(r *gin.Engine) {
	r.GET("/api/v1/verifications/:id/challenges", listChallengesHandler)
	r.POST("/api/v1/verifications/:id/challenges", createChallengeHandler)
	r.GET("/api/v1/challenges/:id", challengeDetailsHandler)
	r.POST("/api/v1/challenges/:id/resolve", resolveChallengeHandler)
}

func listChallengesHandler(c *gin.Context) {
	if !subjectAuthorized(c) {
		return
	}

	verificationID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	db := dbconf.DatabaseConnection()
	query := db.Where("challenges.verification_id = ?", verificationID).Order("challenges.created_at DESC")

	var challenges []*Challenge
	provide.Paginate(c, query, &Challenge{}).Find(&challenges)
	provide.Render(challenges, 200, c)
}

// open a dispute against a verified record
func createChallengeHandler(c *gin.Context) {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	if appID == nil && orgID == nil && userID == nil {
		provide.RenderError("unauthorized", 401, c)
		return
	}

	verificationID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	challenge := &Challenge{}
	err = json.Unmarshal(buf, challenge)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	challenge.VerificationID = &verificationID

	if appID != nil {
		challenge.ApplicationID = appID
	}

	if orgID != nil {
		challenge.OrganizationID = orgID
	}

	if userID != nil {
		challenge.UserID = userID
	}

	db := dbconf.DatabaseConnection()

	err = redisutil.WithRedlock(verification.LockKey(verificationID), func() error {
		return challenge.Create(db)
	})
	if err != nil {
		renderChallengeError(err, challenge, c)
		return
	}

	provide.Render(challenge, 201, c)
}

func challengeDetailsHandler(c *gin.Context) {
	if !subjectAuthorized(c) {
		return
	}

	challengeID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	db := dbconf.DatabaseConnection()

	challenge := Find(db, challengeID)
	if challenge == nil {
		provide.RenderError("challenge not found", 404, c)
		return
	}

	provide.Render(challenge, 200, c)
}

// apply an administrative outcome to a pending challenge
func resolveChallengeHandler(c *gin.Context) {
	if !subjectAuthorized(c) {
		return
	}

	challengeID, err := uuid.FromString(c.Param("id"))
	if err != nil {
		provide.RenderError("bad request", 400, c)
		return
	}

	buf, err := c.GetRawData()
	if err != nil {
		provide.RenderError(err.Error(), 400, c)
		return
	}

	params := map[string]interface{}{}
	err = json.Unmarshal(buf, &params)
	if err != nil {
		provide.RenderError(err.Error(), 422, c)
		return
	}

	outcome, outcomeOk := params["outcome"].(string)
	if !outcomeOk || (outcome != StatusResolved && outcome != StatusUpheld) {
		provide.RenderError("outcome must be resolved or upheld", 422, c)
		return
	}

	db := dbconf.DatabaseConnection()

	challenge := Find(db, challengeID)
	if challenge == nil {
		provide.RenderError("challenge not found", 404, c)
		return
	}

	err = redisutil.WithRedlock(verification.LockKey(*challenge.VerificationID), func() error {
		return challenge.UpdateStatus(db, outcome)
	})
	if err != nil {
		renderChallengeError(err, challenge, c)
		return
	}

	provide.Render(challenge, 200, c)
}

func subjectAuthorized(c *gin.Context) bool {
	appID := util.AuthorizedSubjectID(c, "application")
	orgID := util.AuthorizedSubjectID(c, "organization")
	userID := util.AuthorizedSubjectID(c, "user")
	if appID == nil && orgID == nil && userID == nil {
		provide.RenderError("unauthorized", 401, c)
		return false
	}
	return true
}

func renderChallengeError(err error, challenge *Challenge, c *gin.Context) {
	switch {
	case errors.Is(err, ErrNotChallengeable):
		provide.RenderError(ErrNotChallengeable.Error(), 409, c)
	case errors.Is(err, verification.ErrInvalidStateTransition):
		provide.RenderError(verification.ErrInvalidStateTransition.Error(), 409, c)
	case errors.Is(err, verification.ErrNotFound):
		provide.RenderError(verification.ErrNotFound.Error(), 404, c)
	case errors.Is(err, ErrNotFound):
		provide.RenderError(ErrNotFound.Error(), 404, c)
	default:
		obj := map[string]interface{}{}
		if len(challenge.Errors) > 0 {
			obj["errors"] = challenge.Errors
		} else {
			obj["message"] = err.Error()
		}
		provide.Render(obj, 422, c)
	}
}
