package detections

import "math"

// nonMaxSuppression keeps the highest scoring boxes per class, dropping any box
// that overlaps an already kept box of the same class by more than iouThresh.
// The result is sorted by descending score and holds at most maxDet boxes.
func nonMaxSuppression(boxes []Box, iouThresh float64, maxDet int) []Box {
	if len(boxes) == 0 {
		return []Box{}
	}

	sortBoxesByScore(boxes)
	if len(boxes) > MaxCandidates {
		boxes = boxes[:MaxCandidates]
	}

	kept := make([]Box, 0, min(len(boxes), maxDet))
	suppressed := make([]bool, len(boxes))

	for i := range boxes {
		if suppressed[i] {
			continue
		}
		kept = append(kept, boxes[i])
		if len(kept) == maxDet {
			break
		}
		for j := i + 1; j < len(boxes); j++ {
			if suppressed[j] || boxes[j].ClassID != boxes[i].ClassID {
				continue
			}
			if calculateIOU(boxes[i].XYXY, boxes[j].XYXY) > iouThresh {
				suppressed[j] = true
			}
		}
	}

	return kept
}

func calculateIOU(box1, box2 [4]float32) float64 {
	x1 := math.Max(float64(box1[0]), float64(box2[0]))
	y1 := math.Max(float64(box1[1]), float64(box2[1]))
	x2 := math.Min(float64(box1[2]), float64(box2[2]))
	y2 := math.Min(float64(box1[3]), float64(box2[3]))

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := float64(box1[2]-box1[0]) * float64(box1[3]-box1[1])
	area2 := float64(box2[2]-box2[0]) * float64(box2[3]-box2[1])
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0.0
	}

	return intersection / union
}
