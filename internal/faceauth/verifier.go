package faceauth

import (
	"context"
	"math"
	"strconv"

	"go.uber.org/zap"
)

// MaxCandidates caps the number of images submitted for one verification.
const MaxCandidates = 10

// ReferenceResolver resolves a user's reference set.
type ReferenceResolver interface {
	Resolve(ctx context.Context, userID string, minCount, maxCount int) (*ReferenceSet, error)
}

// VerifierOptions tunes the aggregation.
type VerifierOptions struct {
	Workers  int
	Policy   PassPolicy
	TieBreak TieBreak
}

// Verifier cross-compares candidate images against a user's reference set.
type Verifier struct {
	resolver ReferenceResolver
	matcher  *Matcher
	opts     VerifierOptions
	logger   *zap.Logger
}

// NewVerifier builds a Verifier. Zero options select DefaultWorkers,
// PassAnyMatch and TieBreakFirst.
func NewVerifier(resolver ReferenceResolver, matcher *Matcher, opts VerifierOptions, logger *zap.Logger) *Verifier {
	if opts.Workers < 1 {
		opts.Workers = DefaultWorkers
	}
	if opts.Policy == "" {
		opts.Policy = PassAnyMatch
	}
	if opts.TieBreak == "" {
		opts.TieBreak = TieBreakFirst
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{resolver: resolver, matcher: matcher, opts: opts, logger: logger.Named("verifier")}
}

// Validate checks a request before any resource is used.
func Validate(req VerificationRequest) error {
	if err := validateUserID(req.UserID); err != nil {
		return err
	}
	switch n := len(req.Candidates); {
	case n == 0:
		return invalid("images", "at least one image is required")
	case n > MaxCandidates:
		return invalid("images", "at most %d images are allowed, got %d", MaxCandidates, n)
	}
	for i, img := range req.Candidates {
		if len(img.Data) == 0 {
			return invalid("images", "image %d is empty", i)
		}
	}
	if math.IsNaN(req.Threshold) || math.IsInf(req.Threshold, 0) {
		return invalid("threshold", "must be a finite number")
	}
	if req.MinReferenceCount < 1 {
		return invalid("min_verification_images", "must be at least 1, got %d", req.MinReferenceCount)
	}
	if req.MaxReferenceCount > MaxReferenceCap {
		return invalid("max_verification_images", "must be at most %d, got %d", MaxReferenceCap, req.MaxReferenceCount)
	}
	if req.MinReferenceCount > req.MaxReferenceCount {
		return invalid("min_verification_images", "must not exceed max_verification_images (%d > %d)", req.MinReferenceCount, req.MaxReferenceCount)
	}
	return nil
}

// Verify validates the request, resolves the reference set and compares every
// candidate against every reference. Resolution failures fail the request;
// per-pair failures are recorded in the candidate's match list. When the
// context expires mid-way the partial result is returned with Incomplete set.
func (v *Verifier) Verify(ctx context.Context, req VerificationRequest) (*VerificationResult, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	refs, err := v.resolver.Resolve(ctx, req.UserID, req.MinReferenceCount, req.MaxReferenceCount)
	if err != nil {
		return nil, err
	}

	opLogger := v.logger.With(zap.String("operation", "verifier.verify"), zap.String("user_id", req.UserID))
	candidates, references := v.embedAll(ctx, req.Candidates, refs.Items)

	result := &VerificationResult{
		UserID:               req.UserID,
		Candidates:           make([]CandidateResult, len(req.Candidates)),
		TotalCandidateCount:  len(req.Candidates),
		ReferenceSetSize:     refs.Len(),
		ReferencesDiscovered: refs.TotalDiscovered,
		ReferenceFilenames:   refs.UsedFilenames,
		Policy:               v.opts.Policy,
	}

	var (
		succeeded int
		failures  []error
	)
	for ci, img := range req.Candidates {
		cand := CandidateResult{Source: sourceOf(img, ci), Matches: make([]ReferenceMatch, len(refs.Items))}
		for ri, ref := range refs.Items {
			cell := ReferenceMatch{Reference: ref.Filename}
			switch {
			case candidates[ci].err != nil:
				cell.Err = candidates[ci].err
			case references[ri].err != nil:
				cell.Err = references[ri].err
			default:
				match, err := v.matcher.score(candidates[ci].vec, references[ri].vec, req.Threshold)
				if err != nil {
					cell.Err = err
				} else {
					cell.Result = &match
				}
			}
			if cell.Err != nil {
				failures = append(failures, cell.Err)
			} else {
				succeeded++
			}
			cand.Matches[ri] = cell
		}
		v.pickBest(&cand)
		if cand.HasMatch {
			result.MatchedCandidateCount++
		}
		result.Candidates[ci] = cand
	}

	// Incomplete reflects the request deadline, not the error class of
	// individual comparisons.
	result.Incomplete = ctx.Err() != nil && len(failures) > 0

	if succeeded == 0 && !result.Incomplete {
		cause := requestCause(failures)
		opLogger.Error("every comparison failed", zap.Error(cause))
		return nil, allFailed(cause)
	}

	result.MatchPercentage = percentage(result.MatchedCandidateCount, result.TotalCandidateCount)
	result.Passed = v.opts.Policy.Passed(result.MatchedCandidateCount, result.TotalCandidateCount)

	opLogger.Info("verification completed",
		zap.Bool("passed", result.Passed),
		zap.Int("matched", result.MatchedCandidateCount),
		zap.Int("candidates", result.TotalCandidateCount),
		zap.Int("references", result.ReferenceSetSize),
		zap.Bool("incomplete", result.Incomplete),
	)
	return result, nil
}

type embedded struct {
	vec Vector
	err error
}

// embedAll embeds candidates and references once each so the cross product
// only needs similarity scoring.
func (v *Verifier) embedAll(ctx context.Context, candidates []Image, refs []Reference) ([]embedded, []embedded) {
	out := make([]embedded, len(candidates)+len(refs))
	image := func(i int) (string, Image) {
		if i < len(candidates) {
			img := candidates[i]
			img.Source = sourceOf(img, i)
			return "a", img
		}
		return "b", refs[i-len(candidates)].Image
	}

	forEach(ctx, len(out), v.opts.Workers,
		func(i int) {
			side, img := image(i)
			vec, err := v.matcher.embed(ctx, side, img)
			if err != nil {
				v.logger.Warn("embedding failed", zap.String("source", img.Source), zap.Error(err))
			}
			out[i] = embedded{vec: vec, err: err}
		},
		func(i int, err error) {
			side, img := image(i)
			out[i] = embedded{err: &EmbeddingError{Side: side, Source: img.Source, Err: err}}
		},
	)
	return out[:len(candidates)], out[len(candidates):]
}

// pickBest sets HasMatch, BestScore and BestReference. Equal best scores are
// resolved by the configured tie-break over the sorted reference order.
func (v *Verifier) pickBest(cand *CandidateResult) {
	for _, m := range cand.Matches {
		if m.Result == nil || !m.Result.IsMatch {
			continue
		}
		better := m.Result.Score > cand.BestScore
		if v.opts.TieBreak == TieBreakLast {
			better = m.Result.Score >= cand.BestScore
		}
		if !cand.HasMatch || better {
			cand.HasMatch = true
			cand.BestScore = m.Result.Score
			cand.BestReference = m.Reference
		}
	}
}

func percentage(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(100*float64(part)/float64(total)*100) / 100
}

func sourceOf(img Image, index int) string {
	if img.Source != "" {
		return img.Source
	}
	return "image_" + strconv.Itoa(index)
}
