package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"nata-api/domain"
	"nata-api/tasks"
)

// importMaxSize bounds import uploads; documents are hand-editable JSON and
// anything larger than this is not a plausible task export.
const importMaxSize = 8 << 20

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store TaskStore, transfer Transfer, network NetworkResolver, logs LogTailer, health Pinger, logger *log.Logger) {
	e.GET("/api/tasks", getTasks(store, logger))
	e.POST("/api/tasks", postTask(store, logger))
	e.POST("/api/tasks/:id/toggle", toggleTask(store, logger))
	e.DELETE("/api/tasks/:id", deleteTask(store, logger))
	e.POST("/api/tasks/batch-delete", batchDeleteTasks(store, logger), DecompressRequest())
	e.POST("/api/tasks/export", exportTasks(transfer, logger))
	e.POST("/api/tasks/import", importTasks(transfer, logger), DecompressRequest())
	e.GET("/api/network-info", getNetworkInfo(network, logger))
	e.GET("/api/logs", getLogs(logs))
	e.GET("/healthz", healthz(health))
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type taskRequest struct {
	Title   string `json:"title"`
	DueDate string `json:"due_date"`
}

type idSetRequest struct {
	IDs []int64 `json:"ids"`
}

type toggleResponse struct {
	ID        int64 `json:"id"`
	Completed bool  `json:"completed"`
}

type batchDeleteResponse struct {
	Deleted int64 `json:"deleted"`
}

type logsResponse struct {
	Lines []string `json:"lines"`
}

type errorBody struct {
	Kind       string  `json:"kind"`
	Error      string  `json:"error"`
	MissingIDs []int64 `json:"missing_ids,omitempty"`
}

// writeDomainError translates the error taxonomy to HTTP: ValidationError to
// 400, NotFoundError to 404 (naming the missing ids), everything else to 500.
func writeDomainError(c echo.Context, logger *log.Logger, err error) error {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return c.JSON(http.StatusBadRequest, errorBody{Kind: "validation", Error: ve.Message})
	}
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return c.JSON(http.StatusNotFound, errorBody{Kind: "not_found", Error: nf.Error(), MissingIDs: nf.IDs})
	}
	logger.WithField("error", err.Error()).Error("storage failure")
	return c.JSON(http.StatusInternalServerError, errorBody{Kind: "storage", Error: "storage failure"})
}

func getTasks(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newListRequestMetrics(c.Request().Context(), logger)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		fetchStart := time.Now()
		list, fetchErr := store.ListAll(ctx)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			err = writeDomainError(c, logger, fetchErr)
			return err
		}
		metrics.SetTasksReturned(len(list))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasksResponse{Tasks: list})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postTask(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req taskRequest
		if err := decodeBody(c, &req); err != nil {
			return writeDomainError(c, logger, err)
		}
		due, err := parseOptionalDueDate(req.DueDate)
		if err != nil {
			return writeDomainError(c, logger, err)
		}
		task, err := store.Create(c.Request().Context(), req.Title, due)
		if err != nil {
			return writeDomainError(c, logger, err)
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func toggleTask(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := pathID(c)
		if err != nil {
			return writeDomainError(c, logger, err)
		}
		completed, err := store.Toggle(c.Request().Context(), id)
		if err != nil {
			return writeDomainError(c, logger, err)
		}
		return c.JSON(http.StatusOK, toggleResponse{ID: id, Completed: completed})
	}
}

func deleteTask(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := pathID(c)
		if err != nil {
			return writeDomainError(c, logger, err)
		}
		if err := store.Delete(c.Request().Context(), id); err != nil {
			return writeDomainError(c, logger, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func batchDeleteTasks(store TaskStore, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req idSetRequest
		if err := decodeBody(c, &req); err != nil {
			return writeDomainError(c, logger, err)
		}
		deleted, err := store.BatchDelete(c.Request().Context(), req.IDs)
		if err != nil {
			return writeDomainError(c, logger, err)
		}
		return c.JSON(http.StatusOK, batchDeleteResponse{Deleted: deleted})
	}
}

func exportTasks(transfer Transfer, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req idSetRequest
		if err := decodeBody(c, &req); err != nil {
			return writeDomainError(c, logger, err)
		}
		doc, err := transfer.Export(c.Request().Context(), req.IDs)
		if err != nil {
			return writeDomainError(c, logger, err)
		}
		data, err := doc.Encode()
		if err != nil {
			return writeDomainError(c, logger, err)
		}
		filename := fmt.Sprintf("nata-export-%s.json", time.Now().UTC().Format("20060102-150405"))
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
	}
}

func importTasks(transfer Transfer, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			return writeDomainError(c, logger, domain.Validationf(`multipart upload must carry a "file" part`))
		}
		file, err := fileHeader.Open()
		if err != nil {
			return writeDomainError(c, logger, domain.Validationf("open uploaded file: %v", err))
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, importMaxSize+1))
		if err != nil {
			return writeDomainError(c, logger, domain.Validationf("read uploaded file: %v", err))
		}
		if len(data) > importMaxSize {
			return writeDomainError(c, logger, domain.Validationf("import document exceeds %d bytes", importMaxSize))
		}

		summary, err := transfer.Import(c.Request().Context(), data)
		if err != nil {
			return writeDomainError(c, logger, err)
		}
		return c.JSON(http.StatusOK, summary)
	}
}

func getNetworkInfo(network NetworkResolver, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		info, err := network.Resolve()
		if err != nil {
			logger.WithField("error", err.Error()).Error("network info resolution failed")
			return c.JSON(http.StatusInternalServerError, errorBody{Kind: "storage", Error: "network info unavailable"})
		}
		return c.JSON(http.StatusOK, info)
	}
}

func getLogs(logs LogTailer) echo.HandlerFunc {
	return func(c echo.Context) error {
		n := 0
		if v := c.QueryParam("n"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed < 0 {
				return c.JSON(http.StatusBadRequest, errorBody{Kind: "validation", Error: "invalid tail size"})
			}
			n = parsed
		}
		lines := logs.Tail(n)
		if lines == nil {
			lines = []string{}
		}
		return c.JSON(http.StatusOK, logsResponse{Lines: lines})
	}
}

func healthz(health Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := health.Ping(c.Request().Context()); err != nil {
			return c.NoContent(http.StatusServiceUnavailable)
		}
		return c.NoContent(http.StatusOK)
	}
}

// decodeBody strictly decodes a JSON request body, rejecting unknown fields.
func decodeBody(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Validationf("invalid request body: %v", err)
	}
	return nil
}

func parseOptionalDueDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	due, err := tasks.ParseDueDate(raw)
	if err != nil {
		return nil, domain.Validationf("invalid due_date %q", raw)
	}
	return &due, nil
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.Validationf("invalid task id %q", c.Param("id"))
	}
	return id, nil
}
