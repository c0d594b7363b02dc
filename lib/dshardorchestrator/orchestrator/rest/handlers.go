package rest

import (
	"net/http"

	"github.com/botlabs-gg/shardkit/lib/dshardorchestrator"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

func sendBasicResponse(c *gin.Context, err error, successMessage string) {
	if err != nil {
		c.JSON(statusForError(err), &dshardorchestrator.BasicResponse{
			Error:   true,
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, &dshardorchestrator.BasicResponse{
		Message: successMessage,
	})
}

func statusForError(err error) int {
	switch errors.Cause(err) {
	case dshardorchestrator.ErrUnknownWorker:
		return http.StatusNotFound
	case dshardorchestrator.ErrUnknownShard, dshardorchestrator.ErrInvalidShardCount, dshardorchestrator.ErrWorkerNotAssignable:
		return http.StatusBadRequest
	case dshardorchestrator.ErrCoordinatorStopped, dshardorchestrator.ErrTotalShardsUnknown:
		return http.StatusServiceUnavailable
	}

	return http.StatusInternalServerError
}

func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, &dshardorchestrator.BasicResponse{
			Error:   true,
			Message: "bad request body: " + err.Error(),
		})
		return false
	}

	return true
}

func (ra *RESTAPI) handlePOSTRegister(c *gin.Context) {
	var req dshardorchestrator.RegisterRequest
	if !bindJSON(c, &req) {
		return
	}

	if req.WorkerID == "" {
		c.JSON(http.StatusBadRequest, &dshardorchestrator.BasicResponse{Error: true, Message: "workerId not provided"})
		return
	}

	resp, err := ra.coordinator.RegisterWorker(c.Request.Context(), &req)
	if err != nil {
		sendBasicResponse(c, err, "")
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (ra *RESTAPI) handlePOSTHeartbeat(c *gin.Context) {
	var req dshardorchestrator.HeartbeatRequest
	if !bindJSON(c, &req) {
		return
	}

	resp, err := ra.coordinator.Heartbeat(c.Param("id"), &req)
	if err != nil {
		sendBasicResponse(c, err, "")
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (ra *RESTAPI) handlePOSTDeregister(c *gin.Context) {
	err := ra.coordinator.Deregister(c.Param("id"))
	sendBasicResponse(c, err, "deregistered worker")
}

func (ra *RESTAPI) handleGETState(c *gin.Context) {
	state, err := ra.coordinator.State()
	if err != nil {
		sendBasicResponse(c, err, "")
		return
	}

	c.JSON(http.StatusOK, state)
}

func (ra *RESTAPI) handlePOSTMigrateShard(c *gin.Context) {
	var req dshardorchestrator.MigrateShardRequest
	if !bindJSON(c, &req) {
		return
	}

	if req.ToWorker == "" {
		c.JSON(http.StatusBadRequest, &dshardorchestrator.BasicResponse{Error: true, Message: "toWorker not provided"})
		return
	}

	err := ra.coordinator.MigrateShard(req.Shard, req.ToWorker)
	sendBasicResponse(c, err, "started shard migration process")
}

func (ra *RESTAPI) handlePOSTResize(c *gin.Context) {
	var req dshardorchestrator.ResizeRequest
	if !bindJSON(c, &req) {
		return
	}

	err := ra.coordinator.Resize(req.TotalShards)
	sendBasicResponse(c, err, "resized the cluster")
}
