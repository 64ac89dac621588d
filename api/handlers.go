package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"eisenhower/domain"
)

// Options carries the optional collaborators of the API.
type Options struct {
	Credentials Credentials
	// Health is pinged by /healthz; nil reports healthy unconditionally.
	Health Pinger
	// Deduper enables Idempotency-Key handling when set.
	Deduper Deduper
	// Updates receives a notification after every mutation and feeds
	// /api/stream. A nil broker disables the stream.
	Updates *UpdateBroker
	Logger  *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc TaskService, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.GET("/healthz", healthz(opts.Health))

	g := e.Group("/api", observe(logger), BasicAuth(opts.Credentials))
	dedupe := idempotent(opts.Deduper, logger)
	updates := opts.Updates

	g.GET("/board", getBoard(svc, logger))
	g.GET("/tasks/:id", getTask(svc, logger))
	g.POST("/tasks", createTask(svc, updates, logger), dedupe)
	g.PATCH("/tasks/:id", editTask(svc, updates, logger), dedupe)
	g.POST("/tasks/:id/move", moveTask(svc, updates, logger), dedupe)
	g.POST("/buckets/:bucket/order", reorderBucket(svc, updates, logger), dedupe)
	g.POST("/tasks/:id/complete", transition("CompleteTask", svc.CompleteTask, updates, logger), dedupe)
	g.POST("/tasks/:id/restore", transition("RestoreTask", svc.RestoreTask, updates, logger), dedupe)
	g.POST("/tasks/:id/toggle", transition("ToggleTask", svc.ToggleTask, updates, logger), dedupe)
	g.DELETE("/tasks/:id", deleteTask(svc, updates, logger), dedupe)
	if updates != nil {
		g.GET("/stream", streamBoard(svc, updates))
	}
}

func healthz(health Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if health == nil {
			return c.NoContent(http.StatusOK)
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := health.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "store unavailable"})
		}
		return c.NoContent(http.StatusOK)
	}
}

func getBoard(svc TaskService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		m.SetOperation("ListBoard")

		start := time.Now()
		board, err := svc.ListBoard(c.Request().Context())
		m.ObserveService(time.Since(start))
		if err != nil {
			return respondError(c, m, logger, err)
		}
		count := len(board.Completed)
		for _, tasks := range board.Columns {
			count += len(tasks)
		}
		m.SetTasksReturned(count)
		return c.JSON(http.StatusOK, board)
	}
}

func getTask(svc TaskService, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		m.SetOperation("GetTask")
		id, err := taskID(c, m)
		if err != nil {
			return err
		}
		task, err := svc.GetTask(c.Request().Context(), id)
		if err != nil {
			return respondError(c, m, logger, err)
		}
		m.SetTasksReturned(1)
		return c.JSON(http.StatusOK, task)
	}
}

func createTask(svc TaskService, updates *UpdateBroker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		m.SetOperation("CreateTask")
		var req createTaskRequest
		if err := c.Bind(&req); err != nil {
			return badBody(c, m, err)
		}

		start := time.Now()
		task, err := svc.CreateTask(c.Request().Context(), req.Title, domain.Bucket(req.Bucket))
		m.ObserveService(time.Since(start))
		if err != nil {
			return respondError(c, m, logger, err)
		}
		m.SetTaskID(task.ID)
		updates.Publish(c.Request().Context(), "CreateTask", task.ID)
		return c.JSON(http.StatusCreated, task)
	}
}

func editTask(svc TaskService, updates *UpdateBroker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		m.SetOperation("EditTitle")
		id, err := taskID(c, m)
		if err != nil {
			return err
		}
		var req editTaskRequest
		if err := c.Bind(&req); err != nil {
			return badBody(c, m, err)
		}

		start := time.Now()
		task, err := svc.EditTitle(c.Request().Context(), id, req.Title)
		m.ObserveService(time.Since(start))
		if err != nil {
			return respondError(c, m, logger, err)
		}
		updates.Publish(c.Request().Context(), "EditTitle", id)
		return c.JSON(http.StatusOK, task)
	}
}

func moveTask(svc TaskService, updates *UpdateBroker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		m.SetOperation("MoveTask")
		id, err := taskID(c, m)
		if err != nil {
			return err
		}
		var req moveTaskRequest
		if err := c.Bind(&req); err != nil {
			return badBody(c, m, err)
		}
		if req.Index == nil {
			m.SetErrorStage("validation")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "index is required"})
		}

		start := time.Now()
		task, err := svc.MoveTask(c.Request().Context(), id, domain.Bucket(req.Bucket), *req.Index)
		m.ObserveService(time.Since(start))
		if err != nil {
			return respondError(c, m, logger, err)
		}
		updates.Publish(c.Request().Context(), "MoveTask", id)
		return c.JSON(http.StatusOK, task)
	}
}

func reorderBucket(svc TaskService, updates *UpdateBroker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		m.SetOperation("ReorderBucket")
		var req reorderRequest
		if err := c.Bind(&req); err != nil {
			return badBody(c, m, err)
		}

		start := time.Now()
		order, err := svc.ReorderBucket(c.Request().Context(), domain.Bucket(c.Param("bucket")), req.OrderedIDs)
		m.ObserveService(time.Since(start))
		if err != nil {
			return respondError(c, m, logger, err)
		}
		m.SetTasksReturned(len(order))
		updates.Publish(c.Request().Context(), "ReorderBucket", 0)
		return c.JSON(http.StatusOK, order)
	}
}

// transition serves the single-task state changes that take no body.
func transition(op string, fn func(context.Context, int64) (domain.Task, error), updates *UpdateBroker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		m.SetOperation(op)
		id, err := taskID(c, m)
		if err != nil {
			return err
		}

		start := time.Now()
		task, err := fn(c.Request().Context(), id)
		m.ObserveService(time.Since(start))
		if err != nil {
			return respondError(c, m, logger, err)
		}
		updates.Publish(c.Request().Context(), op, id)
		return c.JSON(http.StatusOK, task)
	}
}

func deleteTask(svc TaskService, updates *UpdateBroker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		m := metricsFrom(c)
		m.SetOperation("DeleteTask")
		id, err := taskID(c, m)
		if err != nil {
			return err
		}

		start := time.Now()
		err = svc.DeleteTask(c.Request().Context(), id)
		m.ObserveService(time.Since(start))
		if err != nil {
			return respondError(c, m, logger, err)
		}
		updates.Publish(c.Request().Context(), "DeleteTask", id)
		return c.NoContent(http.StatusNoContent)
	}
}

// taskID parses the :id path parameter, which must be a positive integer.
func taskID(c echo.Context, m *requestMetrics) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		m.SetErrorStage("invalid_task_id")
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid task id")
	}
	m.SetTaskID(id)
	return id, nil
}

func badBody(c echo.Context, m *requestMetrics, err error) error {
	m.SetErrorStage("bind")
	if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
		return c.JSON(http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
	}
	return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
}

// respondError translates a service failure into its HTTP status.
func respondError(c echo.Context, m *requestMetrics, logger *log.Logger, err error) error {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusBadRequest:
		m.SetErrorStage("validation")
	case http.StatusNotFound:
		m.SetErrorStage("not_found")
	case http.StatusConflict:
		m.SetErrorStage("invalid_state")
	default:
		m.SetErrorStage("service")
		if logger != nil {
			logger.WithError(err).WithField("path", c.Path()).Error("request failed")
		}
		msg = http.StatusText(status)
	}
	return c.JSON(status, errorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
