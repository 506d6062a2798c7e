package pagekit

import (
	"testing"
)

func TestGrayRoundTrip(t *testing.T) {
	gray := []byte{0, 64, 128, 255, 10, 20}
	im := ImageFromGray(3, 2, gray)
	back := im.Gray()
	for i := range gray {
		if back[i] != gray[i] {
			t.Fatalf("Gray()[%d] = %d; want %d", i, back[i], gray[i])
		}
	}
}

func TestCrop(t *testing.T) {
	im := NewImage(4, 3)
	im.SetRGB(2, 1, [3]uint8{1, 2, 3})
	crop := im.Crop(1, 1, 3, 3)
	if crop.Width != 2 || crop.Height != 2 {
		t.Fatalf("crop dims = %dx%d; want 2x2", crop.Width, crop.Height)
	}
	if crop.GetRGB(1, 0) != [3]uint8{1, 2, 3} {
		t.Errorf("crop pixel = %v", crop.GetRGB(1, 0))
	}

	// out-of-bounds crops are clipped
	crop = im.Crop(-5, -5, 100, 100)
	if crop.Width != 4 || crop.Height != 3 {
		t.Errorf("clipped crop dims = %dx%d; want 4x3", crop.Width, crop.Height)
	}
}

func TestDrawDetections(t *testing.T) {
	im := NewImage(64, 64)
	detections, err := DetectionsFromEval(
		[][4]float64{{10, 10, 40, 50}},
		[]float64{0.9},
		[]int{1},
		[]string{"text_area", "big_char"},
	)
	if err != nil {
		t.Fatal(err)
	}
	if detections[0].Category != "big_char" || detections[0].Left != 10 || detections[0].Right != 50 {
		t.Fatalf("unexpected detection %+v", detections[0])
	}
	out := DrawDetections(im, detections)
	if out.GetRGB(50, 30) != ClassColors[1] {
		t.Errorf("expected box edge at (50, 30), got %v", out.GetRGB(50, 30))
	}
	// original untouched
	if im.GetRGB(50, 30) != [3]uint8{0, 0, 0} {
		t.Errorf("DrawDetections modified its input")
	}

	if _, err := DetectionsFromEval([][4]float64{{0, 0, 1, 1}}, nil, nil, nil); err == nil {
		t.Errorf("expected error for mismatched outputs")
	}
}

func TestTensorOffset(t *testing.T) {
	tensor := NewTensor(2, 3, 4)
	if len(tensor.Data) != 24 {
		t.Fatalf("len = %d", len(tensor.Data))
	}
	if off := tensor.Offset(1, 2, 3); off != 23 {
		t.Errorf("Offset(1,2,3) = %d; want 23", off)
	}
	tensor.Data[tensor.Offset(0, 1, 2)] = 5
	if tensor.At(0, 1, 2) != 5 {
		t.Errorf("At(0,1,2) = %v", tensor.At(0, 1, 2))
	}
}
