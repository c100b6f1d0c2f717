package tensor

import (
	"math"
	"reflect"
	"testing"
)

func TestNewTensor(t *testing.T) {
	t.Run("Valid tensor", func(t *testing.T) {
		shape := []int{2, 3}
		data := []float32{1.0, 2.0, 3.0, 4.0, 5.0, 6.0}

		tensor, err := NewTensor(shape, data)
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}

		if !reflect.DeepEqual(tensor.Shape, shape) {
			t.Errorf("Shape = %v, expected %v", tensor.Shape, shape)
		}
		if tensor.NumElems != 6 {
			t.Errorf("NumElems = %d, expected 6", tensor.NumElems)
		}
		if !reflect.DeepEqual(tensor.Strides, []int{3, 1}) {
			t.Errorf("Strides = %v, expected [3 1]", tensor.Strides)
		}
	})

	t.Run("Length mismatch", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 2}, []float32{1, 2, 3}); err == nil {
			t.Error("Expected error for data length mismatch")
		}
	})

	t.Run("Invalid shape", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 0}, nil); err == nil {
			t.Error("Expected error for zero dimension")
		}
		if _, err := NewTensor(nil, nil); err == nil {
			t.Error("Expected error for empty shape")
		}
	})
}

func TestCloneIsDeep(t *testing.T) {
	orig, _ := NewTensor([]int{3}, []float32{1, 2, 3})
	clone := orig.Clone()
	clone.Data[0] = 42

	if orig.Data[0] != 1 {
		t.Errorf("Expected original to stay 1, got %v", orig.Data[0])
	}
}

func TestReshapeSharesData(t *testing.T) {
	orig, _ := NewTensor([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	r, err := orig.Reshape([]int{3, 2})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	r.Data[5] = 60
	if orig.Data[5] != 60 {
		t.Error("Reshape should share storage with the source tensor")
	}

	if _, err := orig.Reshape([]int{4, 2}); err == nil {
		t.Error("Expected error for incompatible reshape")
	}
}

func TestStack(t *testing.T) {
	a, _ := NewTensor([]int{1, 2, 2}, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{1, 2, 2}, []float32{5, 6, 7, 8})

	s, err := Stack([]*Tensor{a, b})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if !reflect.DeepEqual(s.Shape, []int{2, 1, 2, 2}) {
		t.Errorf("Expected shape [2 1 2 2], got %v", s.Shape)
	}
	if !reflect.DeepEqual(s.Data, []float32{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("Unexpected stacked data %v", s.Data)
	}

	c, _ := NewTensor([]int{4}, []float32{1, 2, 3, 4})
	if _, err := Stack([]*Tensor{a, c}); err == nil {
		t.Error("Expected error when stacking mismatched shapes")
	}
}

func TestCenterCrop(t *testing.T) {
	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i)
	}
	src, _ := NewTensor([]int{1, 1, 4, 4}, data)

	out, err := CenterCrop(src, 1)
	if err != nil {
		t.Fatalf("CenterCrop failed: %v", err)
	}
	if !reflect.DeepEqual(out.Shape, []int{1, 1, 2, 2}) {
		t.Errorf("Expected shape [1 1 2 2], got %v", out.Shape)
	}
	if !reflect.DeepEqual(out.Data, []float32{5, 6, 9, 10}) {
		t.Errorf("Expected [5 6 9 10], got %v", out.Data)
	}

	same, _ := CenterCrop(src, 0)
	if same != src {
		t.Error("Zero border should return the input tensor")
	}

	if _, err := CenterCrop(src, 2); err == nil {
		t.Error("Expected error for border consuming the whole plane")
	}
}

func TestSampleView(t *testing.T) {
	b, _ := NewTensor([]int{2, 1, 1, 2}, []float32{1, 2, 3, 4})
	s, err := b.Sample(1)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if !reflect.DeepEqual(s.Data, []float32{3, 4}) {
		t.Errorf("Expected [3 4], got %v", s.Data)
	}
	if _, err := b.Sample(2); err == nil {
		t.Error("Expected out of range error")
	}
}

func TestRoundHalf(t *testing.T) {
	data := []float32{1.0, 0.1, 70000, -70000, 1e-9}
	RoundHalf(data)

	if data[0] != 1.0 {
		t.Errorf("Expected 1.0 to be exact in half precision, got %v", data[0])
	}
	if data[1] == 0.1 {
		t.Error("Expected 0.1 to lose precision in half precision")
	}
	if math.Abs(float64(data[1])-0.1) > 1e-4 {
		t.Errorf("Expected 0.1 to round close to itself, got %v", data[1])
	}
	if !math.IsInf(float64(data[2]), 1) {
		t.Errorf("Expected +Inf on overflow, got %v", data[2])
	}
	if !math.IsInf(float64(data[3]), -1) {
		t.Errorf("Expected -Inf on overflow, got %v", data[3])
	}
	if data[4] != 0 {
		t.Errorf("Expected underflow to zero, got %v", data[4])
	}
}

func TestAllFinite(t *testing.T) {
	if !AllFinite([]float32{0, 1, -MaxHalf}) {
		t.Error("Expected finite data to be reported finite")
	}
	if AllFinite([]float32{0, float32(math.NaN())}) {
		t.Error("Expected NaN to be detected")
	}
	if AllFinite([]float32{float32(math.Inf(-1))}) {
		t.Error("Expected Inf to be detected")
	}
}
