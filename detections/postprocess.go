package detections

import (
	"sort"

	"golang.org/x/xerrors"
)

// Box is a single detection in the model's own terms.
type Box struct {
	ClassID int
	Score   float32
	// XYXY holds x_min, y_min, x_max, y_max.
	XYXY [4]float32
}

type outputLayout int

const (
	// layoutChannelsFirst is [1, 4+nc, N]: cx, cy, w, h followed by class scores.
	layoutChannelsFirst outputLayout = iota
	// layoutAnchorsFirst is [1, N, 5+nc]: cx, cy, w, h, objectness, class scores.
	layoutAnchorsFirst
)

func (l outputLayout) String() string {
	if l == layoutAnchorsFirst {
		return "anchors_first"
	}
	return "channels_first"
}

// outputSpec is the decoded meaning of an output tensor shape.
type outputSpec struct {
	layout     outputLayout
	numAnchors int
	numClasses int
}

func parseOutputShape(shape []int64) (outputSpec, error) {
	if len(shape) != 3 || shape[0] != 1 {
		return outputSpec{}, xerrors.Errorf("unsupported output shape %v: want [1, C, N] or [1, N, C]", shape)
	}

	a, b := int(shape[1]), int(shape[2])
	if a <= 0 || b <= 0 {
		return outputSpec{}, xerrors.Errorf("output shape %v has dynamic dimensions", shape)
	}

	// Anchors always outnumber channels for exported detectors.
	if a < b {
		if a < 5 {
			return outputSpec{}, xerrors.Errorf("output shape %v has no class scores", shape)
		}
		return outputSpec{layout: layoutChannelsFirst, numAnchors: b, numClasses: a - 4}, nil
	}

	if b < 6 {
		return outputSpec{}, xerrors.Errorf("output shape %v has no class scores", shape)
	}
	return outputSpec{layout: layoutAnchorsFirst, numAnchors: a, numClasses: b - 5}, nil
}

func (s outputSpec) size() int {
	if s.layout == layoutChannelsFirst {
		return (4 + s.numClasses) * s.numAnchors
	}
	return (5 + s.numClasses) * s.numAnchors
}

// decode extracts every candidate whose score is above threshold. Boxes are in
// model input coordinates.
func (s outputSpec) decode(out []float32, threshold float32) ([]Box, error) {
	if len(out) != s.size() {
		return nil, xerrors.Errorf("unexpected output length: got %d, want %d", len(out), s.size())
	}

	candidates := make([]Box, 0, 64)
	switch s.layout {
	case layoutChannelsFirst:
		n := s.numAnchors
		for i := 0; i < n; i++ {
			classID, score := -1, float32(0)
			for c := 0; c < s.numClasses; c++ {
				if v := out[(4+c)*n+i]; v > score {
					classID, score = c, v
				}
			}
			if classID < 0 || score <= threshold {
				continue
			}
			candidates = append(candidates, Box{
				ClassID: classID,
				Score:   score,
				XYXY:    xywhToXYXY(out[i], out[n+i], out[2*n+i], out[3*n+i]),
			})
		}
	case layoutAnchorsFirst:
		stride := 5 + s.numClasses
		for i := 0; i < s.numAnchors; i++ {
			row := out[i*stride : (i+1)*stride]
			objectness := row[4]
			if objectness <= threshold {
				continue
			}
			classID, classScore := -1, float32(0)
			for c, v := range row[5:] {
				if v > classScore {
					classID, classScore = c, v
				}
			}
			score := objectness * classScore
			if classID < 0 || score <= threshold {
				continue
			}
			candidates = append(candidates, Box{
				ClassID: classID,
				Score:   score,
				XYXY:    xywhToXYXY(row[0], row[1], row[2], row[3]),
			})
		}
	}

	return candidates, nil
}

func xywhToXYXY(cx, cy, w, h float32) [4]float32 {
	w = max(w, 0)
	h = max(h, 0)
	return [4]float32{cx - w/2, cy - h/2, cx + w/2, cy + h/2}
}

func sortBoxesByScore(boxes []Box) {
	sort.SliceStable(boxes, func(i, j int) bool {
		return boxes[i].Score > boxes[j].Score
	})
}
