package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-core-api/internal/models"
	"github.com/noah-isme/lms-core-api/internal/service"
	appErrors "github.com/noah-isme/lms-core-api/pkg/errors"
	"github.com/noah-isme/lms-core-api/pkg/response"
)

// PlacementHandler exposes prerequisite eligibility checks.
type PlacementHandler struct {
	resolver *service.PrerequisiteService
}

// NewPlacementHandler constructs PlacementHandler.
func NewPlacementHandler(resolver *service.PrerequisiteService) *PlacementHandler {
	return &PlacementHandler{resolver: resolver}
}

// Eligibility godoc
// @Summary Check level eligibility
// @Description Resolve whether the user may enter a course level based on the prerequisite outcome
// @Tags Placement
// @Produce json
// @Param id path string true "Course ID"
// @Param number path int true "Level number"
// @Param user_id query string false "Target user (admins only, defaults to caller)"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /courses/{id}/levels/{number}/eligibility [get]
func (h *PlacementHandler) Eligibility(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	levelNumber, err := strconv.Atoi(c.Param("number"))
	if err != nil || levelNumber < models.MinLevelNumber || levelNumber > models.MaxLevelNumber {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid level number"))
		return
	}

	userID := claims.UserID
	if target := c.Query("user_id"); target != "" && target != claims.UserID {
		if claims.Role != models.RoleAdmin {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "cannot check eligibility for another user"))
			return
		}
		userID = target
	}

	eligibility, err := h.resolver.Resolve(c.Request.Context(), userID, c.Param("id"), levelNumber)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, eligibility, nil)
}
