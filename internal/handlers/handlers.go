package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/auth"
	"github.com/example/face-verify/internal/embedding"
	"github.com/example/face-verify/internal/faceauth"
	"github.com/example/face-verify/internal/imageprocessor"
	"github.com/example/face-verify/internal/usecase"
)

const (
	// MaxBodySize caps JSON request bodies: ten base64 encoded photos with room
	// to spare.
	MaxBodySize = 64 << 20
	// MaxBatchPairs caps the number of pairs accepted by /batch_compare.
	MaxBatchPairs = 100

	healthTimeout = 2 * time.Second
)

// VerificationService is the use case surface the handlers depend on.
type VerificationService interface {
	Compare(ctx context.Context, a, b faceauth.Image, threshold float64) (faceauth.MatchResult, error)
	CompareBatch(ctx context.Context, pairs []faceauth.ImagePair, threshold float64) (faceauth.BatchResult, error)
	VerifyUser(ctx context.Context, req faceauth.VerificationRequest) (*usecase.Verification, error)
	GetResult(ctx context.Context, userID, requestID string) (*usecase.Summary, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// ModelInfoSource describes the embedding model behind the service.
type ModelInfoSource interface {
	Info(ctx context.Context) (embedding.ModelInfo, error)
}

// Options carries request defaults.
type Options struct {
	DefaultThreshold   float64
	MinReferenceImages int
	MaxReferenceImages int
	// MaxBodyBytes defaults to MaxBodySize.
	MaxBodyBytes int64
}

// Handler serves the face verification API.
type Handler struct {
	svc    VerificationService
	models ModelInfoSource
	opts   Options
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. authMiddleware
// guards the user scoped routes.
func RegisterRoutes(router *gin.Engine, svc VerificationService, models ModelInfoSource, opts Options, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	if authMiddleware == nil {
		authMiddleware = func(c *gin.Context) { c.Next() }
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = MaxBodySize
	}
	h := &Handler{svc: svc, models: models, opts: opts, logger: logger.Named("handlers")}

	router.GET("/health", h.health)
	router.GET("/model_info", h.modelInfo)
	router.GET("/metrics/summary", h.metricsSummary)

	api := router.Group("/", limitBody(opts.MaxBodyBytes))
	api.POST("/compare", h.compare)
	api.POST("/batch_compare", h.batchCompare)
	api.POST("/verify_user", authMiddleware, h.verifyUser)
	api.GET("/result/:id", authMiddleware, h.result)
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

func (h *Handler) info(ctx context.Context) (embedding.ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return h.models.Info(ctx)
}

func (h *Handler) health(c *gin.Context) {
	info, err := h.info(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"model_loaded": err == nil && info.Loaded,
		"model_type":   info.ModelType,
		"device":       info.Device,
	})
}

func (h *Handler) modelInfo(c *gin.Context) {
	info, err := h.info(c.Request.Context())
	if err == nil && !info.Loaded {
		err = faceauth.ErrProviderUnavailable
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"model_loaded":     info.Loaded,
		"model_type":       info.ModelType,
		"total_parameters": info.TotalParameters,
		"embedding_size":   info.EmbeddingSize,
		"class_names":      info.ClassNames,
		"device":           info.Device,
		"metric":           info.Metric,
	})
}

func (h *Handler) compare(c *gin.Context) {
	var req compareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, bindError(err))
		return
	}
	if strings.TrimSpace(req.Image1) == "" || strings.TrimSpace(req.Image2) == "" {
		h.writeError(c, badRequest("", "missing required fields: image1, image2"))
		return
	}
	threshold, err := h.threshold(req.Threshold)
	if err != nil {
		h.writeError(c, err)
		return
	}
	a, err := decodeImage("image1", req.Image1)
	if err != nil {
		h.writeError(c, err)
		return
	}
	b, err := decodeImage("image2", req.Image2)
	if err != nil {
		h.writeError(c, err)
		return
	}

	result, err := h.svc.Compare(c.Request.Context(), a, b, threshold)
	if err != nil {
		h.writeError(c, compareError(err))
		return
	}

	resp := compareResponse{
		Match:           result.IsMatch,
		SimilarityScore: result.Score,
		Threshold:       result.Threshold,
		Confidence:      result.Confidence,
	}
	if info, err := h.info(c.Request.Context()); err == nil {
		resp.ModelType = info.ModelType
	}
	c.JSON(http.StatusOK, resp)
}

// compareError reports an undecodable picture on /compare as a client error;
// everything else keeps its own mapping.
func compareError(err error) error {
	var embedErr *faceauth.EmbeddingError
	if errors.As(err, &embedErr) && errors.Is(err, imageprocessor.ErrUndecodable) {
		return badRequest("image"+sideIndex(embedErr.Side), embedErr.Err.Error())
	}
	return err
}

func sideIndex(side string) string {
	if side == "b" {
		return "2"
	}
	return "1"
}

func (h *Handler) batchCompare(c *gin.Context) {
	var req batchCompareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, bindError(err))
		return
	}
	if req.Pairs == nil {
		h.writeError(c, badRequest("pairs", "missing required field: pairs (array of {image1, image2} objects)"))
		return
	}
	pairsIn := *req.Pairs
	if len(pairsIn) > MaxBatchPairs {
		h.writeError(c, badRequest("pairs", "at most 100 pairs are accepted"))
		return
	}
	threshold, err := h.threshold(req.Threshold)
	if err != nil {
		h.writeError(c, err)
		return
	}

	// Pairs that cannot be decoded are reported in place and never reach the
	// comparator.
	decodeErrs := make(map[int]error)
	pairs := make([]faceauth.ImagePair, 0, len(pairsIn))
	positions := make([]int, 0, len(pairsIn))
	for i, p := range pairsIn {
		a, err := decodeImage(imageField("pairs", i)+".image1", p.Image1)
		if err != nil {
			decodeErrs[i] = err
			continue
		}
		b, err := decodeImage(imageField("pairs", i)+".image2", p.Image2)
		if err != nil {
			decodeErrs[i] = err
			continue
		}
		pairs = append(pairs, faceauth.ImagePair{A: a, B: b})
		positions = append(positions, i)
	}

	result, err := h.svc.CompareBatch(c.Request.Context(), pairs, threshold)
	if err != nil {
		h.writeError(c, err)
		return
	}
	result.Threshold = threshold
	c.JSON(http.StatusOK, toBatchResponse(len(pairsIn), decodeErrs, positions, result))
}

func (h *Handler) verifyUser(c *gin.Context) {
	var req verifyUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, bindError(err))
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		h.writeError(c, badRequest("userId", "is required"))
		return
	}
	if !auth.AuthorizeUser(c, req.UserID) {
		return
	}
	if len(req.Images) == 0 || len(req.Images) > faceauth.MaxCandidates {
		h.writeError(c, badRequest("images", "between 1 and 10 images are required"))
		return
	}
	threshold, err := h.threshold(req.Threshold)
	if err != nil {
		h.writeError(c, err)
		return
	}

	candidates := make([]faceauth.Image, len(req.Images))
	for i, payload := range req.Images {
		img, err := decodeImage(imageField("images", i), payload)
		if err != nil {
			h.writeError(c, err)
			return
		}
		candidates[i] = img
	}

	vr := faceauth.VerificationRequest{
		UserID:            req.UserID,
		Candidates:        candidates,
		Threshold:         threshold,
		MinReferenceCount: h.opts.MinReferenceImages,
		MaxReferenceCount: h.opts.MaxReferenceImages,
	}
	if req.MinImages != nil {
		vr.MinReferenceCount = *req.MinImages
	}
	if req.MaxImages != nil {
		vr.MaxReferenceCount = *req.MaxImages
	}
	if err := faceauth.Validate(vr); err != nil {
		h.writeError(c, err)
		return
	}

	verification, err := h.svc.VerifyUser(c.Request.Context(), vr)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toVerifyResponse(verification.RequestID, verification.Threshold, verification.Result))
}

func (h *Handler) result(c *gin.Context) {
	requestID := strings.TrimSpace(c.Param("id"))
	if requestID == "" {
		h.writeError(c, badRequest("id", "is required"))
		return
	}

	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		userID = strings.TrimSpace(c.Query("userId"))
	}
	if userID == "" {
		h.writeError(c, badRequest("userId", "is required"))
		return
	}

	summary, err := h.svc.GetResult(c.Request.Context(), userID, requestID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) metricsSummary(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// bindError keeps body size violations distinct from malformed JSON.
func bindError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return badRequest("", "malformed JSON body")
}
