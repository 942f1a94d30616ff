package faceauth

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/retry"
)

// Reference count limits. The cap keeps the cross product of a verification
// at or below MaxCandidates * MaxReferenceCap comparisons.
const (
	DefaultMinReferenceCount = 1
	DefaultMaxReferenceCount = 10
	MaxReferenceCap          = 10
)

// imageExtensions is the allow-list of reference file extensions.
var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".bmp":  {},
	".tif":  {},
	".tiff": {},
	".webp": {},
}

// IsImageFilename reports whether name carries an allowed image extension.
func IsImageFilename(name string) bool {
	_, ok := imageExtensions[strings.ToLower(path.Ext(name))]
	return ok
}

// ReferenceStore is the read side of the blob store holding enrolled images.
// Keys are slash separated and relative to the store root.
type ReferenceStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Resolver selects and downloads a user's reference images.
type Resolver struct {
	store   ReferenceStore
	retry   retry.Policy
	workers int
	logger  *zap.Logger
}

// NewResolver builds a Resolver. Store I/O is retried according to policy.
func NewResolver(store ReferenceStore, policy retry.Policy, workers int, logger *zap.Logger) *Resolver {
	if workers < 1 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, retry: policy, workers: workers, logger: logger.Named("reference_resolver")}
}

// Resolve lists the user's images, keeps the lexicographically first maxCount
// image files and downloads them. It fails with *InsufficientReferencesError
// when fewer than minCount are discovered (before any download) or when fewer
// than minCount downloads succeed. Individual download failures are skipped.
func (r *Resolver) Resolve(ctx context.Context, userID string, minCount, maxCount int) (*ReferenceSet, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	if minCount < 1 {
		return nil, invalid("min_verification_images", "must be at least 1, got %d", minCount)
	}
	if maxCount < minCount {
		return nil, invalid("max_verification_images", "must be >= min_verification_images (%d), got %d", minCount, maxCount)
	}

	opLogger := r.logger.With(zap.String("operation", "resolver.resolve"), zap.String("user_id", userID))
	prefix := userID + "/"

	var keys []string
	err := r.retry.Do(ctx, r.logger, "resolver.list", userID, func(ctx context.Context) error {
		listed, err := r.store.List(ctx, prefix)
		if err != nil {
			return err
		}
		keys = listed
		return nil
	})
	if err != nil {
		if isContextErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	names := imageFilenames(keys, prefix)
	discovered := len(names)
	if discovered < minCount {
		opLogger.Info("not enough reference images discovered", zap.Int("found", discovered), zap.Int("required", minCount))
		return nil, &InsufficientReferencesError{UserID: userID, Found: discovered, Required: minCount}
	}
	if len(names) > maxCount {
		names = names[:maxCount]
	}

	downloaded := make([][]byte, len(names))
	ok := make([]bool, len(names))
	forEach(ctx, len(names), r.workers,
		func(i int) {
			key := prefix + names[i]
			err := r.retry.Do(ctx, r.logger, "resolver.download", userID, func(ctx context.Context) error {
				data, err := r.store.Get(ctx, key)
				if err != nil {
					return err
				}
				downloaded[i] = data
				ok[i] = true
				return nil
			})
			if err != nil {
				opLogger.Warn("skipping reference image", zap.String("filename", names[i]), zap.Error(err))
			}
		},
		func(int, error) {},
	)
	if err := ctx.Err(); err != nil {
		return nil, logging.NewOperationError("resolver.download", userID, err)
	}

	set := &ReferenceSet{TotalDiscovered: discovered}
	for i, data := range downloaded {
		if !ok[i] {
			continue
		}
		set.Items = append(set.Items, Reference{Filename: names[i], Image: Image{Data: data, Source: names[i]}})
		set.UsedFilenames = append(set.UsedFilenames, names[i])
	}

	if len(set.Items) < minCount {
		opLogger.Warn("not enough reference images downloaded", zap.Int("downloaded", len(set.Items)), zap.Int("required", minCount))
		return nil, &InsufficientReferencesError{UserID: userID, Found: len(set.Items), Required: minCount}
	}

	opLogger.Debug("reference set resolved",
		zap.Int("discovered", discovered),
		zap.Int("used", len(set.Items)),
	)
	return set, nil
}

// imageFilenames strips prefix, drops nested keys and non-image entries and
// returns the remaining base names sorted.
func imageFilenames(keys []string, prefix string) []string {
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		name := strings.TrimPrefix(key, prefix)
		if name == "" || strings.Contains(name, "/") || !IsImageFilename(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateUserID(userID string) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return invalid("userId", "is required")
	case strings.Contains(userID, "/"), strings.Contains(userID, ".."):
		return invalid("userId", "must not contain path separators")
	}
	return nil
}
