package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
)

type createGenerationRequest struct {
	Prompt         string                       `json:"prompt"`
	Title          string                       `json:"title"`
	Style          string                       `json:"style"`
	Lyrics         string                       `json:"lyrics"`
	Instrumental   bool                         `json:"instrumental"`
	Dedication     *generationdomain.Dedication `json:"dedication"`
	DonationAmount int64                        `json:"donation_amount"`
}

func (r createGenerationRequest) input() generationdomain.Input {
	return generationdomain.Input{
		Prompt:         r.Prompt,
		Title:          r.Title,
		Style:          r.Style,
		Lyrics:         r.Lyrics,
		Instrumental:   r.Instrumental,
		Dedication:     r.Dedication,
		DonationAmount: r.DonationAmount,
	}
}

func (s *Server) CreateGenerationRequest(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.submitter.Submit(c.Request.Context(), generationdomain.CreateRequest{
		UserID: userID,
		Input:  req.input(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

func (s *Server) ListGenerationRequests(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	pageSize, err := parseOptionalInt(c.Query("page_size"))
	if err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page_size"))
		return
	}
	req := generationdomain.ListRequest{
		UserID:    userID,
		PageToken: c.Query("page_token"),
	}
	if pageSize != nil {
		req.PageSize = *pageSize
	}

	res, err := s.requests.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// GetGenerationStatus reports the status of one of the caller's requests.
// Requests owned by someone else are reported as not found.
func (s *Server) GetGenerationStatus(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	requestID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	view, err := s.requests.Status(c.Request.Context(), requestID, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}
