package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tally-io/tally/internal/metric"
	"github.com/tally-io/tally/internal/optimistic"
)

// MetricView is a metric with its formatted value.
type MetricView struct {
	metric.Metric
	DisplayValue string `json:"display_value"`
}

func viewOf(m metric.Metric) MetricView {
	return MetricView{Metric: m, DisplayValue: metric.FormatValue(m.Value, m.Unit)}
}

func viewsOf(ms []metric.Metric) []MetricView {
	out := make([]MetricView, len(ms))
	for i, m := range ms {
		out[i] = viewOf(m)
	}
	return out
}

type updateValueRequest struct {
	Value *float64 `json:"value"`
}

type moveRequest struct {
	ActiveID string `json:"active_id"`
	OverID   string `json:"over_id"`
}

// UpdateResponse is the stored metric after a committed value edit.
type UpdateResponse struct {
	MetricView
	State string `json:"state"`
}

// MutationResponse reports the final state of an optimistic write.
type MutationResponse struct {
	State   string       `json:"state"`
	Metrics []MetricView `json:"metrics,omitempty"`
}

func (s *Server) listMetrics(c *gin.Context) {
	ms, err := s.reader.Display(c.Request.Context(), userFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": viewsOf(ms)})
}

func (s *Server) createMetric(c *gin.Context) {
	var in metric.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		writeBadRequest(c, err)
		return
	}
	m, err := s.mutator.CreateMetric(c.Request.Context(), userFrom(c), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOf(m))
}

// metricID validates the :id path parameter.
func (s *Server) metricID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := s.validator.ID(id); err != nil {
		writeError(c, err)
		return "", false
	}
	return id, true
}

func (s *Server) updateMetricValue(c *gin.Context) {
	id, ok := s.metricID(c)
	if !ok {
		return
	}
	var req updateValueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	if req.Value == nil {
		writeBadRequest(c, errors.New("value is required"))
		return
	}

	ctx := c.Request.Context()
	m, err := s.mutator.EditValue(ctx, userFrom(c), id, *req.Value)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := m.Wait(ctx); err != nil {
		writeError(c, err)
		return
	}
	stored, ok := m.Result().(metric.Metric)
	if !ok {
		writeError(c, optimistic.ErrClosed)
		return
	}
	c.JSON(http.StatusOK, UpdateResponse{MetricView: viewOf(stored), State: m.State().String()})
}

func (s *Server) metricHistory(c *gin.Context) {
	id, ok := s.metricID(c)
	if !ok {
		return
	}
	points, err := s.reader.History(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if points == nil {
		points = []metric.HistoryPoint{}
	}
	c.JSON(http.StatusOK, gin.H{"history": points})
}

func (s *Server) metricHistoryDetailed(c *gin.Context) {
	id, ok := s.metricID(c)
	if !ok {
		return
	}
	detail, err := s.reader.HistoryDetailed(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) getOrdering(c *gin.Context) {
	user := userFrom(c)
	if user == nil {
		writeError(c, metric.ErrAuthRequired)
		return
	}
	entries, err := s.reader.Ordering(c.Request.Context(), user)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ordering": entries})
}

func (s *Server) moveMetric(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err)
		return
	}
	if req.ActiveID == "" || req.OverID == "" {
		writeBadRequest(c, errors.New("active_id and over_id are required"))
		return
	}

	ctx := c.Request.Context()
	user := userFrom(c)
	m, err := s.mutator.Reorder(ctx, user, req.ActiveID, req.OverID)
	if err != nil {
		writeError(c, err)
		return
	}
	if m.State() != optimistic.StateIdle {
		if err := m.Wait(ctx); err != nil {
			writeError(c, err)
			return
		}
	}

	ms, err := s.reader.Display(ctx, user)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, MutationResponse{State: m.State().String(), Metrics: viewsOf(ms)})
}

func (s *Server) getProfile(c *gin.Context) {
	p, err := s.reader.Profile(c.Request.Context(), userFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
