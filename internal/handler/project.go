package handler

import (
	"net/http"
	"strings"

	"github.com/Bshisia/community-hope/internal/ledger"
	"github.com/Bshisia/community-hope/internal/models"
	"github.com/Bshisia/community-hope/internal/util"

	"github.com/gin-gonic/gin"
)

// ProjectHandler 负责项目相关接口
type ProjectHandler struct {
	Store ledger.Store
}

func NewProjectHandler(store ledger.Store) *ProjectHandler {
	return &ProjectHandler{Store: store}
}

// ListProjects GET /api/projects?status=&category=
// status 为空时只返回 active 项目，status=all 返回全部。
func (h *ProjectHandler) ListProjects(c *gin.Context) {
	var f ledger.ProjectFilter
	switch status := strings.TrimSpace(c.Query("status")); status {
	case "":
		f.Status = models.ProjectActive
	case "all":
	default:
		f.Status = models.ProjectStatus(status)
		if !f.Status.Valid() {
			util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "status must be active, completed, paused or all")
			return
		}
	}
	f.Category = strings.TrimSpace(c.Query("category"))

	list, err := h.Store.ListProjects(c.Request.Context(), f)
	if err != nil {
		writeError(c, err, "projects")
		return
	}

	items := make([]gin.H, 0, len(list))
	for i := range list {
		items = append(items, projectJSON(&list[i]))
	}
	util.Success(c, util.Response{
		"items": items,
		"total": len(items),
	})
}

func (h *ProjectHandler) GetProject(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	p, err := h.Store.GetProject(c.Request.Context(), id)
	if err != nil {
		writeError(c, err, "project")
		return
	}
	util.Success(c, util.Response{"project": projectJSON(p)})
}

type createProjectReq struct {
	Name         string `json:"name" binding:"required,max=128"`
	Description  string `json:"description" binding:"required"`
	ImageURL     string `json:"image_url" binding:"omitempty,url,max=512"`
	TargetAmount int64  `json:"target_amount" binding:"required,gt=0"`
	Category     string `json:"category" binding:"required"`
}

// CreateProject 管理员创建项目；raised_amount 总是从 0 开始
func (h *ProjectHandler) CreateProject(c *gin.Context) {
	var req createProjectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "name, description, positive target_amount and category are required")
		return
	}
	req.Category = strings.TrimSpace(req.Category)
	if err := util.ValidateCategory(req.Category); err != nil {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, err.Error())
		return
	}

	p := &models.Project{
		Name:         strings.TrimSpace(req.Name),
		Description:  strings.TrimSpace(req.Description),
		ImageURL:     strings.TrimSpace(req.ImageURL),
		TargetAmount: req.TargetAmount,
		Category:     req.Category,
		Status:       models.ProjectActive,
	}
	if err := h.Store.CreateProject(c.Request.Context(), p); err != nil {
		writeError(c, err, "project")
		return
	}
	util.Success(c, util.Response{"project": projectJSON(p)})
}

type updateProjectStatusReq struct {
	Status models.ProjectStatus `json:"status" binding:"required"`
}

func (h *ProjectHandler) UpdateProjectStatus(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req updateProjectStatusReq
	if err := c.ShouldBindJSON(&req); err != nil || !req.Status.Valid() {
		util.Error(c, http.StatusBadRequest, util.CodeInvalidParam, "status must be active, completed or paused")
		return
	}

	p, err := h.Store.SetProjectStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		writeError(c, err, "project")
		return
	}
	util.Success(c, util.Response{"project": projectJSON(p)})
}
