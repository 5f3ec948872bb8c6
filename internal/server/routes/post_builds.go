package routes

import (
	"net/http"
	"path/filepath"

	"github.com/OFFIS-RIT/chatkg/internal/queue"
	"github.com/OFFIS-RIT/chatkg/internal/server/middleware"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"

	"github.com/labstack/echo/v4"
)

// CreateBuildHandler enqueues a build job for the worker.
func CreateBuildHandler(c echo.Context) error {
	type createBuildRequest struct {
		Project string `json:"project" validate:"required"`
		Resume  string `json:"resume"`
	}

	data := new(createBuildRequest)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
	}
	if filepath.Base(data.Project) != data.Project || data.Project == "." || data.Project == ".." {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid project name"})
	}
	// only "latest" or a fresh seed may be requested over HTTP
	if data.Resume != "" && data.Resume != queue.ResumeLatest {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "Invalid resume reference"})
	}

	app := c.(*middleware.AppContext).App
	if app.Queue == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"message": "Build queue is not configured"})
	}

	job, err := queue.NewBuildJob(data.Project, data.Resume, "")
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}
	if err := queue.PublishBuild(c.Request().Context(), app.Queue, job); err != nil {
		logger.Error("[Server] failed to enqueue build", "project", data.Project, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"message": "Internal server error"})
	}

	logger.Info("[Server] build enqueued", "job_id", job.JobID, "project", job.Project)
	return c.JSON(http.StatusAccepted, job)
}
