// Package vocab defines the bag-of-words vocabulary contract spec.md
// §4.1/§4.4.1 depends on for KeyFrameDatabase indexing and loop
// detection. Vocabulary training and the underlying visual-word tree are
// an external collaborator per spec.md §1 (built offline from a training
// corpus); this package only owns the loaded-vocabulary boundary type and
// its on-disk format.
package vocab

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/banshee-data/slam/internal/security"
	"github.com/banshee-data/slam/internal/slam"
)

// Vocabulary maps ORB descriptors to visual words via nearest-center
// lookup against a fixed, pre-trained set of word centers.
type Vocabulary struct {
	centers []slam.Descriptor
}

// NumWords returns the vocabulary size.
func (v *Vocabulary) NumWords() int { return len(v.centers) }

// Transform converts a FeatureSet's descriptors into the BowVector and
// FeatureVector spec.md §4.1 KeyFrame/Frame carry alongside their raw
// features, by nearest-center assignment under Hamming distance.
func (v *Vocabulary) Transform(fs slam.FeatureSet) (slam.BowVector, slam.FeatureVector) {
	bow := make(slam.BowVector)
	featVec := make(slam.FeatureVector)

	for i, d := range fs.Descriptors {
		word, dist := v.nearestWord(d)
		if dist > 256 {
			continue // no plausible match; drop rather than mis-index
		}
		bow[word]++
		featVec[word] = append(featVec[word], i)
	}

	var total float64
	for _, c := range bow {
		total += c
	}
	if total > 0 {
		for w := range bow {
			bow[w] /= total
		}
	}
	return bow, featVec
}

func (v *Vocabulary) nearestWord(d slam.Descriptor) (uint32, int) {
	best := -1
	bestDist := 1 << 30
	for i, c := range v.centers {
		dist := slam.HammingDistance(d, c)
		if dist < bestDist {
			bestDist = dist
			best = i
		}
	}
	return uint32(best), bestDist
}

// fileMagic/fileVersion gate the on-disk vocabulary format: a flat list
// of 256-bit descriptor centers, one per visual word.
const (
	fileMagic   uint32 = 0x534c564f // "SLVO"
	fileVersion uint32 = 1
)

// Load reads a vocabulary file produced by the offline trainer. path is
// validated against dir via internal/security, matching the teacher's
// config/snapshot file-loading discipline.
func Load(path, dir string) (*Vocabulary, error) {
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		return nil, fmt.Errorf("vocab: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vocab: open %s: %w", path, err)
	}
	defer f.Close()
	return decode(bufio.NewReader(f))
}

func decode(r io.Reader) (*Vocabulary, error) {
	var magic, version, count uint32
	for _, field := range []*uint32{&magic, &version, &count} {
		if err := binary.Read(r, binary.LittleEndian, field); err != nil {
			return nil, fmt.Errorf("vocab: read header: %w", err)
		}
	}
	if magic != fileMagic {
		return nil, fmt.Errorf("vocab: bad magic %#x", magic)
	}
	if version != fileVersion {
		return nil, fmt.Errorf("vocab: unsupported version %d", version)
	}

	centers := make([]slam.Descriptor, count)
	for i := range centers {
		for j := range centers[i] {
			if err := binary.Read(r, binary.LittleEndian, &centers[i][j]); err != nil {
				return nil, fmt.Errorf("vocab: read center %d: %w", i, err)
			}
		}
	}
	return &Vocabulary{centers: centers}, nil
}

// Save writes v in the format Load reads, used by the offline trainer
// and by tests constructing fixture vocabularies.
func Save(path string, v *Vocabulary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("vocab: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	defer w.Flush()

	for _, field := range []uint32{fileMagic, fileVersion, uint32(len(v.centers))} {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return fmt.Errorf("vocab: write header: %w", err)
		}
	}
	for _, c := range v.centers {
		for _, word := range c {
			if err := binary.Write(w, binary.LittleEndian, word); err != nil {
				return fmt.Errorf("vocab: write center: %w", err)
			}
		}
	}
	return nil
}

// New builds a Vocabulary directly from a fixed center set, used by
// tests and by callers that train centers in-process rather than loading
// a file.
func New(centers []slam.Descriptor) *Vocabulary {
	return &Vocabulary{centers: centers}
}
