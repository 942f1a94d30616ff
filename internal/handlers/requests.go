package handlers

import (
	"encoding/base64"
	"fmt"
	"math"
	"strings"

	"github.com/example/face-verify/internal/faceauth"
)

type compareRequest struct {
	Image1    string   `json:"image1"`
	Image2    string   `json:"image2"`
	Threshold *float64 `json:"threshold"`
}

type pairRequest struct {
	Image1 string `json:"image1"`
	Image2 string `json:"image2"`
}

type batchCompareRequest struct {
	Pairs     *[]pairRequest `json:"pairs"`
	Threshold *float64       `json:"threshold"`
}

type verifyUserRequest struct {
	UserID    string   `json:"userId"`
	Images    []string `json:"images"`
	Threshold *float64 `json:"threshold"`
	MinImages *int     `json:"min_verification_images"`
	MaxImages *int     `json:"max_verification_images"`
}

type compareResponse struct {
	Match           bool                    `json:"match"`
	SimilarityScore float64                 `json:"similarity_score"`
	Threshold       float64                 `json:"threshold"`
	Confidence      faceauth.ConfidenceBand `json:"confidence"`
	ModelType       string                  `json:"model_type,omitempty"`
}

type batchResultItem struct {
	PairIndex       int                      `json:"pair_index"`
	SimilarityScore *float64                 `json:"similarity_score,omitempty"`
	Match           bool                     `json:"match"`
	Confidence      *faceauth.ConfidenceBand `json:"confidence,omitempty"`
	Error           string                   `json:"error,omitempty"`
}

type batchCompareResponse struct {
	Matches         []bool            `json:"matches"`
	DetailedResults []batchResultItem `json:"detailed_results"`
	TotalPairs      int               `json:"total_pairs"`
	SuccessfulPairs int               `json:"successful_pairs"`
	Threshold       float64           `json:"threshold"`
	Incomplete      bool              `json:"incomplete"`
}

type referenceComparison struct {
	Reference       string                   `json:"reference"`
	SimilarityScore *float64                 `json:"similarity_score,omitempty"`
	Match           bool                     `json:"match"`
	Confidence      *faceauth.ConfidenceBand `json:"confidence,omitempty"`
	Error           string                   `json:"error,omitempty"`
}

type candidateComparison struct {
	ImageIndex    int                   `json:"image_index"`
	Source        string                `json:"source"`
	HasMatch      bool                  `json:"has_match"`
	BestScore     float64               `json:"best_score"`
	BestReference string                `json:"best_reference,omitempty"`
	Comparisons   []referenceComparison `json:"comparisons"`
}

type verifyUserResponse struct {
	RequestID               string                `json:"request_id"`
	UserID                  string                `json:"user_id"`
	VerificationPassed      bool                  `json:"verification_passed"`
	ImagesMatched           int                   `json:"images_matched"`
	TotalImagesProvided     int                   `json:"total_images_provided"`
	MatchPercentage         float64               `json:"match_percentage"`
	DetailedComparisons     []candidateComparison `json:"detailed_comparisons"`
	VerificationImagesFound int                   `json:"verification_images_found"`
	ReferencesDiscovered    int                   `json:"verification_images_discovered"`
	ReferenceImagesUsed     []string              `json:"reference_images_used"`
	Threshold               float64               `json:"threshold"`
	PassPolicy              faceauth.PassPolicy   `json:"pass_policy"`
	Incomplete              bool                  `json:"incomplete"`
}

// decodeImage turns a base64 payload, optionally carrying a data URL prefix
// such as "data:image/png;base64,", into an Image labelled source.
func decodeImage(field, payload string) (faceauth.Image, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return faceauth.Image{}, badRequest(field, "malformed data URL")
		}
		payload = payload[comma+1:]
	}
	if payload == "" {
		return faceauth.Image{}, badRequest(field, "image is required")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some clients drop the padding.
		if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "=")); rawErr == nil {
			data, err = raw, nil
		}
	}
	if err != nil {
		return faceauth.Image{}, badRequest(field, "image is not valid base64")
	}
	if len(data) == 0 {
		return faceauth.Image{}, badRequest(field, "image is empty")
	}
	return faceauth.Image{Data: data, Source: field}, nil
}

func (h *Handler) threshold(value *float64) (float64, error) {
	if value == nil {
		return h.opts.DefaultThreshold, nil
	}
	if math.IsNaN(*value) || math.IsInf(*value, 0) {
		return 0, badRequest("threshold", "must be a finite number")
	}
	return *value, nil
}

func scoreOf(result *faceauth.MatchResult) (*float64, *faceauth.ConfidenceBand) {
	if result == nil {
		return nil, nil
	}
	score, band := result.Score, result.Confidence
	return &score, &band
}

func toBatchResponse(total int, decodeErrs map[int]error, positions []int, result faceauth.BatchResult) batchCompareResponse {
	resp := batchCompareResponse{
		Matches:         make([]bool, total),
		DetailedResults: make([]batchResultItem, total),
		TotalPairs:      total,
		SuccessfulPairs: result.SuccessfulCount(),
		Threshold:       result.Threshold,
		Incomplete:      result.Incomplete,
	}
	for i, err := range decodeErrs {
		resp.DetailedResults[i] = batchResultItem{PairIndex: i, Error: err.Error()}
	}
	for k, item := range result.Items {
		i := positions[k]
		entry := batchResultItem{PairIndex: i}
		if item.Err != nil {
			entry.Error = item.Err.Error()
		} else {
			entry.SimilarityScore, entry.Confidence = scoreOf(item.Result)
			entry.Match = item.Result.IsMatch
		}
		resp.DetailedResults[i] = entry
		resp.Matches[i] = entry.Match
	}
	return resp
}

func toVerifyResponse(requestID string, threshold float64, result *faceauth.VerificationResult) verifyUserResponse {
	resp := verifyUserResponse{
		RequestID:               requestID,
		UserID:                  result.UserID,
		VerificationPassed:      result.Passed,
		ImagesMatched:           result.MatchedCandidateCount,
		TotalImagesProvided:     result.TotalCandidateCount,
		MatchPercentage:         result.MatchPercentage,
		DetailedComparisons:     make([]candidateComparison, 0, len(result.Candidates)),
		VerificationImagesFound: result.ReferenceSetSize,
		ReferencesDiscovered:    result.ReferencesDiscovered,
		ReferenceImagesUsed:     result.ReferenceFilenames,
		Threshold:               threshold,
		PassPolicy:              result.Policy,
		Incomplete:              result.Incomplete,
	}
	for i, cand := range result.Candidates {
		comparisons := make([]referenceComparison, 0, len(cand.Matches))
		for _, m := range cand.Matches {
			entry := referenceComparison{Reference: m.Reference}
			if m.Err != nil {
				entry.Error = m.Err.Error()
			} else {
				entry.SimilarityScore, entry.Confidence = scoreOf(m.Result)
				entry.Match = m.Result.IsMatch
			}
			comparisons = append(comparisons, entry)
		}
		resp.DetailedComparisons = append(resp.DetailedComparisons, candidateComparison{
			ImageIndex:    i,
			Source:        cand.Source,
			HasMatch:      cand.HasMatch,
			BestScore:     cand.BestScore,
			BestReference: cand.BestReference,
			Comparisons:   comparisons,
		})
	}
	return resp
}

func imageField(name string, index int) string {
	return fmt.Sprintf("%s[%d]", name, index)
}
