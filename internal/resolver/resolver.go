// Package resolver enumerates candidate upgrade paths through an index's
// images, scores them, and picks a winner per spec.md §3/§4.5.
package resolver

import (
	"sort"

	"github.com/isoboot/updateengine/internal/enginerr"
	"github.com/isoboot/updateengine/internal/model"
)

// Filter restricts the candidate search to a subset of path shapes.
type Filter string

const (
	FilterNone      Filter = ""
	FilterFullOnly  Filter = "full-only"
	FilterDeltaOnly Filter = "delta-only"
)

// Scorer computes a path's candidate score; lower is better. maxVersion is
// the greatest version reachable by any candidate, needed for the
// not-at-max penalty.
type Scorer interface {
	Score(path model.CandidatePath, maxVersion int) int
}

// Options configures one resolution.
type Options struct {
	PhasePercentage int // the device's own phase percentage, 0..100
	Filter          Filter
	MaxImage        int // 0 disables the cap
	Scorer          Scorer
}

// errNoPath is returned (wrapped as a KindPolicy enginerr) when no
// eligible path exists.
var errNoPath = enginerr.New(enginerr.KindPolicy, "no eligible update path")

// errUpToDate is returned (wrapped as a KindPolicy enginerr) when the
// device is already at the greatest reachable version.
var errUpToDate = enginerr.New(enginerr.KindPolicy, "device is up to date")

// Resolve finds the winning candidate path from current to the greatest
// reachable version in idx, or a KindPolicy error explaining why there is
// none.
func Resolve(current int, idx model.Index, opts Options) (model.CandidatePath, error) {
	scorer := opts.Scorer
	if scorer == nil {
		scorer = Weighted{}
	}

	eligible := filterEligible(current, idx.Images, opts.PhasePercentage)
	if len(eligible) == 0 {
		return nil, errUpToDate
	}

	candidates := enumerate(current, eligible, opts.Filter)
	if len(candidates) == 0 {
		return nil, errNoPath
	}

	maxVersion := 0
	for _, c := range candidates {
		if t := c.Target(); t > maxVersion {
			maxVersion = t
		}
	}

	var maximal []model.CandidatePath
	for _, c := range candidates {
		if c.Target() == maxVersion {
			maximal = append(maximal, c)
		}
	}

	winner := pickBest(maximal, scorer, maxVersion)
	if opts.MaxImage > 0 {
		winner = applyCap(winner, opts.MaxImage)
		if len(winner) == 0 {
			return nil, errNoPath
		}
	}
	return winner, nil
}

// filterEligible drops images that can never be part of a winning path:
// version ≤ current, below minversion, or gated out by phased rollout.
func filterEligible(current int, images []model.Image, devicePhase int) []model.Image {
	var out []model.Image
	for _, img := range images {
		if img.Version <= current {
			continue
		}
		if img.MinVersion > 0 && current < img.MinVersion {
			continue
		}
		if img.PhasedPercentage < devicePhase {
			continue
		}
		out = append(out, img)
	}
	return out
}

// enumerate finds every terminal (non-extendable) candidate path by
// depth-first recursion from current and from every full image newer than
// current.
func enumerate(current int, images []model.Image, filter Filter) []model.CandidatePath {
	deltaByBase := make(map[int][]model.Image)
	var fulls []model.Image
	for _, img := range images {
		if img.Kind == model.KindDelta {
			deltaByBase[img.Base] = append(deltaByBase[img.Base], img)
		} else {
			fulls = append(fulls, img)
		}
	}

	var results []model.CandidatePath

	var extend func(path model.CandidatePath, visited map[int]bool)
	extend = func(path model.CandidatePath, visited map[int]bool) {
		last := path.Target()
		next := deltaByBase[last]
		if len(next) == 0 {
			results = append(results, path)
			return
		}
		for _, d := range next {
			if visited[d.Version] {
				continue
			}
			v2 := make(map[int]bool, len(visited)+1)
			for k := range visited {
				v2[k] = true
			}
			v2[d.Version] = true
			extend(append(append(model.CandidatePath{}, path...), d), v2)
		}
	}

	if filter != FilterFullOnly {
		for _, d := range deltaByBase[current] {
			extend(model.CandidatePath{d}, map[int]bool{d.Version: true})
		}
	}
	if filter != FilterDeltaOnly {
		for _, f := range fulls {
			extend(model.CandidatePath{f}, map[int]bool{f.Version: true})
		}
	}

	return results
}

// pickBest selects the minimum-score candidate, breaking ties by smaller
// total bytes, then by longest path.
func pickBest(candidates []model.CandidatePath, scorer Scorer, maxVersion int) model.CandidatePath {
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := scorer.Score(candidates[i], maxVersion), scorer.Score(candidates[j], maxVersion)
		if si != sj {
			return si < sj
		}
		bi, bj := candidates[i].TotalBytes(), candidates[j].TotalBytes()
		if bi != bj {
			return bi < bj
		}
		return len(candidates[i]) > len(candidates[j])
	})
	return candidates[0]
}

// applyCap truncates path's trailing steps whose version exceeds cap.
func applyCap(path model.CandidatePath, cap int) model.CandidatePath {
	out := path
	for len(out) > 0 && out[len(out)-1].Version > cap {
		out = out[:len(out)-1]
	}
	return out
}
