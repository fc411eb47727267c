package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	batchdomain "github.com/smallbiznis/declara/internal/batch/domain"
	watermarkdomain "github.com/smallbiznis/declara/internal/watermark/domain"
	"github.com/smallbiznis/declara/pkg/db/pagination"
)

const maxPageSize = 100

type Trigger interface {
	Trigger(ctx context.Context) (string, error)
}

type SummaryReader interface {
	Get(ctx context.Context, id snowflake.ID) (*batchdomain.Summary, error)
	ListRecent(ctx context.Context, before snowflake.ID, limit int) ([]batchdomain.Summary, error)
}

type CursorReader interface {
	Find(ctx context.Context, name string) (*watermarkdomain.Cursor, error)
}

type triggerResponse struct {
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
}

type listBatchesResponse struct {
	Data     []*batchdomain.Summary `json:"data"`
	PageInfo *pagination.PageInfo   `json:"page_info"`
}

// TriggerBatch starts a run in the background. Poll GET /v1/batches for the
// summary carrying the returned correlation id.
func (s *Server) TriggerBatch(c *gin.Context) {
	cid, err := s.trigger.Trigger(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, triggerResponse{Status: "accepted", CorrelationID: cid})
}

func (s *Server) ListBatches(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if page.PageSize <= 0 || page.PageSize > maxPageSize {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "page_size must be between 1 and 100"))
		return
	}

	var before snowflake.ID
	if token := strings.TrimSpace(page.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			AbortWithError(c, newValidationError("page_token", "invalid_page_token", "invalid page token"))
			return
		}
		id, err := parseOptionalSnowflakeID(cursor.ID)
		if err != nil || id == nil {
			AbortWithError(c, newValidationError("page_token", "invalid_page_token", "invalid page token"))
			return
		}
		before = *id
	}

	items, err := s.summaries.ListRecent(c.Request.Context(), before, page.PageSize+1)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	rows := make([]*batchdomain.Summary, 0, len(items))
	for i := range items {
		rows = append(rows, &items[i])
	}
	rows, info := pagination.BuildCursorPageInfo(rows, int32(page.PageSize), func(sm *batchdomain.Summary) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        sm.ID.String(),
			CreatedAt: sm.StartedAt.Format(timeLayout),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if !info.HasMore {
		info.NextPageToken = ""
	}

	c.JSON(http.StatusOK, listBatchesResponse{Data: rows, PageInfo: info})
}

func (s *Server) GetBatchByID(c *gin.Context) {
	id, err := parseOptionalSnowflakeID(c.Param("id"))
	if err != nil || id == nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	c.Set("batch_id", id.String())

	summary, err := s.summaries.Get(c.Request.Context(), *id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) GetCursor(c *gin.Context) {
	cursor, err := s.cursors.Find(c.Request.Context(), c.Param("name"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cursor})
}
