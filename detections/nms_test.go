package detections

import "testing"

func TestNonMaxSuppression(t *testing.T) {
	boxes := []Box{
		{ClassID: 0, Score: 0.6, XYXY: [4]float32{0, 0, 100, 100}},
		{ClassID: 0, Score: 0.9, XYXY: [4]float32{2, 2, 102, 102}},
		{ClassID: 1, Score: 0.8, XYXY: [4]float32{1, 1, 101, 101}},
		{ClassID: 0, Score: 0.7, XYXY: [4]float32{300, 300, 350, 350}},
	}

	kept := nonMaxSuppression(boxes, IouThreshold, MaxDetections)
	if len(kept) != 3 {
		t.Fatalf("expected 3 boxes, got %d: %+v", len(kept), kept)
	}

	wantScores := []float32{0.9, 0.8, 0.7}
	for i, want := range wantScores {
		if kept[i].Score != want {
			t.Errorf("kept[%d].Score = %v, want %v", i, kept[i].Score, want)
		}
	}

	for i := range kept {
		for j := i + 1; j < len(kept); j++ {
			if kept[i].ClassID == kept[j].ClassID && calculateIOU(kept[i].XYXY, kept[j].XYXY) > IouThreshold {
				t.Errorf("boxes %d and %d of class %d overlap above threshold", i, j, kept[i].ClassID)
			}
		}
	}
}

func TestNonMaxSuppressionEmpty(t *testing.T) {
	kept := nonMaxSuppression(nil, IouThreshold, MaxDetections)
	if kept == nil || len(kept) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", kept)
	}
}

func TestNonMaxSuppressionMaxDetections(t *testing.T) {
	var boxes []Box
	for i := 0; i < 10; i++ {
		x := float32(i * 50)
		boxes = append(boxes, Box{ClassID: 0, Score: 0.5, XYXY: [4]float32{x, 0, x + 10, 10}})
	}

	if kept := nonMaxSuppression(boxes, IouThreshold, 4); len(kept) != 4 {
		t.Errorf("expected 4 boxes, got %d", len(kept))
	}
}

func TestCalculateIOU(t *testing.T) {
	tests := []struct {
		name string
		a, b [4]float32
		want float64
	}{
		{"identical", [4]float32{0, 0, 10, 10}, [4]float32{0, 0, 10, 10}, 1},
		{"disjoint", [4]float32{0, 0, 10, 10}, [4]float32{20, 20, 30, 30}, 0},
		{"half", [4]float32{0, 0, 10, 10}, [4]float32{5, 0, 15, 10}, 50.0 / 150.0},
		{"degenerate", [4]float32{0, 0, 0, 0}, [4]float32{0, 0, 0, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calculateIOU(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("IoU = %v, want %v", got, tt.want)
			}
		})
	}
}
