package handler

import (
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/textmill/internal/model"
	"github.com/xxxsen/textmill/internal/pkg/errcode"
	"github.com/xxxsen/textmill/internal/pkg/response"
	"github.com/xxxsen/textmill/internal/service"
)

type ProcessingHandler struct {
	jobs *service.JobService
}

func NewProcessingHandler(jobs *service.JobService) *ProcessingHandler {
	return &ProcessingHandler{jobs: jobs}
}

// Filenames narrows a run over previously uploaded files; it only applies
// when the request carries no file content of its own.
type startJobRequest struct {
	Provider  string          `json:"provider" form:"provider"`
	Model     string          `json:"model" form:"model"`
	Prompt    string          `json:"prompt" form:"prompt"`
	ChunkSize int             `json:"chunk_size" form:"chunk_size"`
	ChunkBy   string          `json:"chunk_by" form:"chunk_by"`
	Email     string          `json:"email" form:"email"`
	Files     []inlineJobFile `json:"files"`
	Filenames []string        `json:"filenames" form:"filenames"`
}

type inlineJobFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type fileStatusView struct {
	ID                 string  `json:"id"`
	Filename           string  `json:"filename"`
	TotalChunks        int     `json:"total_chunks"`
	ProcessedChunks    int     `json:"processed_chunks"`
	ProgressPercentage float64 `json:"progress_percentage"`
	Status             string  `json:"status"`
}

type jobView struct {
	ID          string           `json:"id"`
	Provider    string           `json:"provider"`
	Model       string           `json:"model"`
	ChunkSize   int              `json:"chunk_size"`
	ChunkBy     string           `json:"chunk_by"`
	Status      string           `json:"status"`
	Ctime       int64            `json:"ctime"`
	CompletedAt int64            `json:"completed_at,omitempty"`
	Files       []fileStatusView `json:"files,omitempty"`
}

func newJobView(job *model.ProcessingJob, statuses []model.FileStatus) jobView {
	view := jobView{
		ID:          job.ID,
		Provider:    job.Provider,
		Model:       job.Model,
		ChunkSize:   job.ChunkSize,
		ChunkBy:     job.ChunkBy,
		Status:      job.Status,
		Ctime:       job.Ctime,
		CompletedAt: job.CompletedAt,
	}
	for _, fs := range statuses {
		view.Files = append(view.Files, fileStatusView{
			ID:                 fs.ID,
			Filename:           fs.Filename,
			TotalChunks:        fs.TotalChunks,
			ProcessedChunks:    fs.ProcessedChunks,
			ProgressPercentage: fs.ProgressPercentage,
			Status:             fs.Status,
		})
	}
	return view
}

// collectFiles accepts either multipart uploads under the "files" field or
// inline name/content pairs in a JSON body.
func collectFiles(c *gin.Context, req *startJobRequest) ([]service.JobFile, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		form, err := c.MultipartForm()
		if err != nil {
			return nil, err
		}
		files := make([]service.JobFile, 0, len(form.File["files"]))
		for _, header := range form.File["files"] {
			opened, err := header.Open()
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(opened)
			opened.Close()
			if err != nil {
				return nil, err
			}
			files = append(files, service.JobFile{Name: header.Filename, Content: string(data)})
		}
		return files, nil
	}
	files := make([]service.JobFile, 0, len(req.Files))
	for _, f := range req.Files {
		files = append(files, service.JobFile{Name: f.Name, Content: f.Content})
	}
	return files, nil
}

func bindStartRequest(c *gin.Context, req *startJobRequest) error {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		return c.ShouldBind(req)
	}
	return c.ShouldBindJSON(req)
}

func (h *ProcessingHandler) Start(c *gin.Context) {
	var req startJobRequest
	if err := bindStartRequest(c, &req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	files, err := collectFiles(c, &req)
	if err != nil {
		response.Error(c, errcode.ErrInvalidFile, "failed to read files")
		return
	}
	job, statuses, err := h.jobs.Start(c.Request.Context(), &service.StartJobRequest{
		UserID:    getUserID(c),
		Provider:  req.Provider,
		Model:     req.Model,
		Prompt:    req.Prompt,
		ChunkSize: req.ChunkSize,
		ChunkBy:   req.ChunkBy,
		Email:     req.Email,
		Files:     files,
		Filenames: req.Filenames,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, newJobView(job, statuses))
}

func (h *ProcessingHandler) Status(c *gin.Context) {
	job, statuses, err := h.jobs.Status(c.Request.Context(), getUserID(c), c.Param("job_id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, newJobView(job, statuses))
}

func (h *ProcessingHandler) Stop(c *gin.Context) {
	if err := h.jobs.Stop(c.Request.Context(), getUserID(c), c.Param("job_id")); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"stopped": true})
}

func (h *ProcessingHandler) List(c *gin.Context) {
	limit, offset := pageParams(c)
	jobs, err := h.jobs.List(c.Request.Context(), getUserID(c), limit, offset)
	if err != nil {
		handleError(c, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, newJobView(&jobs[i], nil))
	}
	response.Success(c, gin.H{"jobs": views})
}
