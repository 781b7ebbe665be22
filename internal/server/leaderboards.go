package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	fanoutdomain "github.com/smallbiznis/melodia/internal/fanout/domain"
	"github.com/smallbiznis/melodia/internal/leaderboard"
)

type leaderboardResponse struct {
	Period  fanoutdomain.PeriodType `json:"period"`
	Key     string                  `json:"key"`
	Stat    fanoutdomain.StatName   `json:"stat"`
	Entries []leaderboard.Entry     `json:"entries"`
}

// GetLeaderboard serves one board. The period key defaults to the
// current period.
func (s *Server) GetLeaderboard(c *gin.Context) {
	period := fanoutdomain.PeriodType(strings.ToLower(strings.TrimSpace(c.Param("period"))))
	if !period.Valid() {
		AbortWithError(c, leaderboard.ErrInvalidPeriod)
		return
	}
	stat, err := fanoutdomain.ParseStatName(c.Param("stat"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	key := strings.TrimSpace(c.Query("key"))
	if key == "" {
		key = fanoutdomain.KeysFor(s.clock.Now()).Key(period)
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	n := 0
	if limit != nil {
		n = *limit
	}

	entries, err := s.board.Top(c.Request.Context(), period, key, stat, n)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if entries == nil {
		entries = []leaderboard.Entry{}
	}

	c.JSON(http.StatusOK, leaderboardResponse{
		Period:  period,
		Key:     key,
		Stat:    stat,
		Entries: entries,
	})
}
