package resolver

import "github.com/isoboot/updateengine/internal/model"

const (
	fullStepCost    = 100
	notMaxPenalty   = 9000
	bytesPerMB      = 1 << 20
)

// Weighted is the default "weighted" scorer from spec.md §3:
//
//	score(path) = Σ(100 if full else 0) + Σ(size_mb_rounded) + penalty_not_max
type Weighted struct{}

func (Weighted) Score(path model.CandidatePath, maxVersion int) int {
	score := 0
	for _, step := range path {
		if step.Kind == model.KindFull {
			score += fullStepCost
		}
		score += roundedMB(sizeOf(step))
	}
	if path.Target() < maxVersion {
		score += notMaxPenalty
	}
	return score
}

// sizeOf sums the declared size of one image's files, in bytes.
func sizeOf(img model.Image) int64 {
	var total int64
	for _, f := range img.Files {
		total += f.Size
	}
	return total
}

func roundedMB(bytes int64) int {
	return int((bytes + bytesPerMB/2) / bytesPerMB)
}
