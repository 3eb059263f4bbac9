package slam

import "sync"

// KeyFrameDatabase is the BoW inverted index used to propose loop-closure
// and relocalization candidates (spec.md §3.4, §4.7, §4.1). It holds no
// ownership over keyframes; it only indexes them by vocabulary word.
type KeyFrameDatabase struct {
	mu           sync.Mutex
	invertedFile map[uint32][]*KeyFrame
}

// NewKeyFrameDatabase returns an empty database.
func NewKeyFrameDatabase() *KeyFrameDatabase {
	return &KeyFrameDatabase{invertedFile: make(map[uint32][]*KeyFrame)}
}

// Add indexes kf under every word in its BoW vector. Called once by
// LocalMapping.process_new_keyframe after SetBow.
func (db *KeyFrameDatabase) Add(kf *KeyFrame) {
	bow := kf.Bow()
	if bow == nil {
		return
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for word := range bow {
		db.invertedFile[word] = append(db.invertedFile[word], kf)
	}
}

// Erase removes every occurrence of kf from the inverted index. Called
// when a keyframe is marked bad (spec.md §3.4: "erased from the database
// along with the keyframe").
func (db *KeyFrameDatabase) Erase(kf *KeyFrame) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for word, list := range db.invertedFile {
		filtered := list[:0]
		for _, entry := range list {
			if entry != kf {
				filtered = append(filtered, entry)
			}
		}
		if len(filtered) == 0 {
			delete(db.invertedFile, word)
		} else {
			db.invertedFile[word] = filtered
		}
	}
}

// Clear empties the database. Map.Clear does not call it; a full reset
// clears the database separately.
func (db *KeyFrameDatabase) Clear() {
	db.mu.Lock()
	db.invertedFile = make(map[uint32][]*KeyFrame)
	db.mu.Unlock()
}

// sharedWordCounts gathers, for every keyframe sharing at least one word
// with query, the number of shared words, excluding any keyframe in
// exclude and any bad keyframe.
func (db *KeyFrameDatabase) sharedWordCounts(query BowVector, exclude map[int64]bool) map[*KeyFrame]int {
	db.mu.Lock()
	defer db.mu.Unlock()

	counts := make(map[*KeyFrame]int)
	for word := range query {
		for _, kf := range db.invertedFile[word] {
			if kf.IsBad() || exclude[kf.ID()] {
				continue
			}
			counts[kf]++
		}
	}
	return counts
}

// scoredCandidate pairs a candidate keyframe with its BoW similarity to
// the query.
type scoredCandidate struct {
	kf    *KeyFrame
	score float64
}

func candidatesAboveThreshold(counts map[*KeyFrame]int, query BowVector, minCommonWords int) []scoredCandidate {
	maxCommon := 0
	for _, c := range counts {
		if c > maxCommon {
			maxCommon = c
		}
	}
	threshold := maxCommon / 10
	if threshold < minCommonWords {
		threshold = minCommonWords
	}

	var out []scoredCandidate
	for candidate, c := range counts {
		if c < threshold {
			continue
		}
		out = append(out, scoredCandidate{candidate, query.Score(candidate.Bow())})
	}
	return out
}

// DetectLoopCandidates proposes keyframes that likely observe the same
// place as kf, excluding kf's own covisibility neighborhood (spec.md
// §4.7: a true loop closure must be geometrically distant in the
// spanning tree even though it is visually similar). Candidates are
// scored by BoW similarity and grouped by mutual covisibility so a
// cluster of similar keyframes (the same physical place, seen from
// adjacent poses) contributes a single best representative, mirroring
// the grid-bucket-then-group pattern this codebase already uses for
// spatial candidate gathering.
func (db *KeyFrameDatabase) DetectLoopCandidates(kf *KeyFrame, minCommonWords int) []*KeyFrame {
	neighbors := kf.AllCovisibles()
	exclude := make(map[int64]bool, len(neighbors)+1)
	exclude[kf.ID()] = true
	for _, id := range neighbors {
		exclude[id] = true
	}

	bow := kf.Bow()
	if bow == nil {
		return nil
	}
	counts := db.sharedWordCounts(bow, exclude)
	if len(counts) == 0 {
		return nil
	}

	candidates := candidatesAboveThreshold(counts, bow, minCommonWords)
	groups := groupByCovisibility(candidates)
	return bestOfEachGroup(groups)
}

// groupByCovisibility clusters candidates that are mutually covisible so
// a connected cluster of similar keyframes is treated as one place.
func groupByCovisibility(in []scoredCandidate) [][]scoredCandidate {
	var groups [][]scoredCandidate
	for _, c := range in {
		placed := -1
		for gi, g := range groups {
			for _, member := range g {
				if member.kf.Weight(c.kf.ID()) > 0 || c.kf.Weight(member.kf.ID()) > 0 {
					placed = gi
					break
				}
			}
			if placed != -1 {
				break
			}
		}
		if placed == -1 {
			groups = append(groups, []scoredCandidate{c})
		} else {
			groups[placed] = append(groups[placed], c)
		}
	}
	return groups
}

func bestOfEachGroup(groups [][]scoredCandidate) []*KeyFrame {
	out := make([]*KeyFrame, 0, len(groups))
	for _, g := range groups {
		best := g[0]
		for _, c := range g[1:] {
			if c.score > best.score {
				best = c
			}
		}
		out = append(out, best.kf)
	}
	return out
}

// DetectRelocalizationCandidates proposes keyframes that likely observe
// the same place as the lost frame f (spec.md §4.1 relocalization). No
// covisibility exclusion applies here: a relocalization candidate can be
// the frame's own former neighborhood.
func (db *KeyFrameDatabase) DetectRelocalizationCandidates(f *Frame, minCommonWords int) []*KeyFrame {
	bow := f.Bow()
	if bow == nil {
		return nil
	}
	counts := db.sharedWordCounts(bow, nil)
	if len(counts) == 0 {
		return nil
	}

	candidates := candidatesAboveThreshold(counts, bow, minCommonWords)
	out := make([]*KeyFrame, len(candidates))
	for i, c := range candidates {
		out[i] = c.kf
	}
	return out
}
