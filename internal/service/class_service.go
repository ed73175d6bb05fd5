package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/bimbel-api/internal/models"
	appErrors "github.com/noah-isme/bimbel-api/pkg/errors"
)

type classCatalogRepository interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
	List(ctx context.Context, filter models.ClassFilter) ([]models.Class, int, error)
}

// ClassService exposes the read-only class catalog. The catalog changes
// rarely, so lookups go through the cache with a short TTL.
type ClassService struct {
	repo   classCatalogRepository
	cache  *CacheService
	logger *zap.Logger
}

// NewClassService constructs the catalog service. cache may be nil.
func NewClassService(repo classCatalogRepository, cache *CacheService, logger *zap.Logger) *ClassService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClassService{repo: repo, cache: cache, logger: logger}
}

// List returns classes with pagination metadata.
func (s *ClassService) List(ctx context.Context, filter models.ClassFilter) ([]models.Class, *models.Pagination, error) {
	classes, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list classes")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return classes, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns one class, served from cache when possible.
func (s *ClassService) Get(ctx context.Context, id string) (*models.Class, error) {
	key := fmt.Sprintf("class:%s", id)
	var cached models.Class
	if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
		return &cached, nil
	}

	class, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}

	if err := s.cache.Set(ctx, key, class, 10*time.Minute); err != nil {
		s.logger.Sugar().Debugw("failed to cache class", "class_id", id, "error", err)
	}
	return class, nil
}
