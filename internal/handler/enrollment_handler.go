package handler

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/bimbel-api/internal/models"
	"github.com/noah-isme/bimbel-api/internal/service"
	appErrors "github.com/noah-isme/bimbel-api/pkg/errors"
	"github.com/noah-isme/bimbel-api/pkg/response"
)

// maxProofSize caps uploaded payment proofs at 5 MiB.
const maxProofSize = 5 << 20

var allowedProofExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".pdf":  true,
}

type proofFileStore interface {
	SaveProof(enrollmentID, kind string, data []byte, ext string) (string, error)
	Open(ref string) (*os.File, error)
}

// EnrollmentHandler exposes the enrollment lifecycle endpoints.
type EnrollmentHandler struct {
	service *service.EnrollmentService
	proofs  proofFileStore
}

// NewEnrollmentHandler constructs an enrollment handler.
func NewEnrollmentHandler(svc *service.EnrollmentService, proofs proofFileStore) *EnrollmentHandler {
	return &EnrollmentHandler{service: svc, proofs: proofs}
}

// List godoc
// @Summary List enrollments
// @Tags Enrollments
// @Produce json
// @Param student_id query string false "Filter by student"
// @Param class_id query string false "Filter by class"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /enrollments [get]
func (h *EnrollmentHandler) List(c *gin.Context) {
	var filter models.EnrollmentFilter
	filter.StudentID = c.Query("student_id")
	filter.ClassID = c.Query("class_id")
	filter.Status = models.EnrollmentStatus(c.Query("status"))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	enrollments, pagination, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, pagination)
}

// Get godoc
// @Summary Get enrollment detail
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Security BearerAuth
// @Router /enrollments/{id} [get]
func (h *EnrollmentHandler) Get(c *gin.Context) {
	detail, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Create godoc
// @Summary Create enrollment
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body service.CreateEnrollmentRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Security BearerAuth
// @Router /enrollments [post]
func (h *EnrollmentHandler) Create(c *gin.Context) {
	var req service.CreateEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	detail, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, detail)
}

// SubmitProof godoc
// @Summary Upload a payment proof
// @Tags Enrollments
// @Accept mpfd
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param kind formData string true "Proof kind (enrollment|monthly)"
// @Param notes formData string false "Submission notes"
// @Param file formData file true "Proof image or PDF"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Security BearerAuth
// @Router /enrollments/{id}/proof [post]
func (h *EnrollmentHandler) SubmitProof(c *gin.Context) {
	id := c.Param("id")
	kind := strings.TrimSpace(c.PostForm("kind"))
	if kind == "" {
		kind = service.ProofKindEnrollment
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "proof file is required"))
		return
	}
	if fileHeader.Size > maxProofSize {
		response.Error(c, appErrors.New(appErrors.ErrValidation.Code, http.StatusBadRequest, "proof file exceeds 5MB"))
		return
	}
	ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
	if !allowedProofExts[ext] {
		response.Error(c, appErrors.New(appErrors.ErrValidation.Code, http.StatusBadRequest, "proof must be a jpg, png or pdf"))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "cannot read proof file"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxProofSize))
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, http.StatusInternalServerError, "cannot read proof file"))
		return
	}

	ref, err := h.proofs.SaveProof(id, kind, data, ext)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, http.StatusInternalServerError, "cannot store proof file"))
		return
	}

	detail, err := h.service.SubmitProof(c.Request.Context(), id, service.SubmitProofRequest{
		Kind:     kind,
		ProofRef: ref,
		Notes:    c.PostForm("notes"),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// DownloadProof godoc
// @Summary Download the stored payment proof
// @Tags Enrollments
// @Produce octet-stream
// @Param id path string true "Enrollment ID"
// @Success 200 {file} binary
// @Security BearerAuth
// @Router /enrollments/{id}/proof [get]
func (h *EnrollmentHandler) DownloadProof(c *gin.Context) {
	detail, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if detail.ProofRef == nil || *detail.ProofRef == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "no proof on file"))
		return
	}
	file, err := h.proofs.Open(*detail.ProofRef)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrNotFound.Code, http.StatusNotFound, "proof file missing"))
		return
	}
	defer file.Close()
	c.FileAttachment(file.Name(), filepath.Base(file.Name()))
}

// ReviewEnrollmentProof godoc
// @Summary Review an enrollment payment proof
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body service.ReviewRequest true "Review decision"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Security BearerAuth
// @Router /enrollments/{id}/review [post]
func (h *EnrollmentHandler) ReviewEnrollmentProof(c *gin.Context) {
	var req service.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	detail, err := h.service.ReviewEnrollmentProof(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// ReviewMonthlyPayment godoc
// @Summary Review a monthly payment proof
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param pid path string true "Payment ID"
// @Param payload body service.ReviewRequest true "Review decision"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Security BearerAuth
// @Router /enrollments/{id}/payments/{pid}/review [post]
func (h *EnrollmentHandler) ReviewMonthlyPayment(c *gin.Context) {
	var req service.ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	detail, err := h.service.ReviewMonthlyPayment(c.Request.Context(), c.Param("id"), c.Param("pid"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}
