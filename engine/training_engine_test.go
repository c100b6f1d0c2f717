package engine

import (
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-srcnn/layers"
	"github.com/tsawler/go-srcnn/optimizer"
	"github.com/tsawler/go-srcnn/tensor"
)

// meanSquared is a minimal criterion for exercising the engine.
type meanSquared struct{}

func (meanSquared) Loss(output, target *tensor.Tensor) (float64, error) {
	var sum float64
	for i := range output.Data {
		d := float64(output.Data[i]) - float64(target.Data[i])
		sum += d * d
	}
	return sum / float64(len(output.Data)), nil
}

func (meanSquared) Gradient(output, target *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	grad, _ := tensor.Zeros(output.Shape)
	n := float32(len(output.Data))
	for i := range grad.Data {
		grad.Data[i] = scale * 2 * (output.Data[i] - target.Data[i]) / n
	}
	return grad, nil
}

func createTestModel(t *testing.T) *layers.Model {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{1, 1, 4, 4}).
		AddConv2D(1, 3, 1, 1, true, "conv1").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	model, err := layers.NewModel(spec, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Failed to build model: %v", err)
	}
	return model
}

func createEngine(t *testing.T, model *layers.Model, precisionName string, scaler *LossScaler) *TrainingEngine {
	t.Helper()
	opt, err := optimizer.NewAdam(optimizer.DefaultAdamConfig(),
		optimizer.GroupsFromModel(model.ParameterGroups(), 0.01))
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}
	precision, err := NewPrecision(precisionName, 1)
	if err != nil {
		t.Fatalf("Failed to create precision: %v", err)
	}
	engine, err := NewTrainingEngine(model, opt, precision, scaler, meanSquared{})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine
}

func snapshot(model *layers.Model) [][]float32 {
	var out [][]float32
	for _, p := range model.Parameters() {
		out = append(out, append([]float32(nil), p.Value.Data...))
	}
	return out
}

func TestSkippedStepLeavesParametersUnchanged(t *testing.T) {
	model := createTestModel(t)
	scaler, _ := NewLossScaler(DefaultLossScalerConfig())
	engine := createEngine(t, model, PrecisionMixed, scaler)

	// The scaled output gradient exceeds the half-precision range.
	input, _ := tensor.Zeros([]int{1, 1, 4, 4})
	target, _ := tensor.Full([]int{1, 1, 4, 4}, 100)
	before := snapshot(model)

	result, err := engine.TrainStep(input, target)
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}

	if result.Applied {
		t.Fatal("Expected step to be skipped")
	}
	if math.IsInf(result.Loss, 0) || math.IsNaN(result.Loss) || result.Loss < 9000 {
		t.Errorf("Expected finite pre-skip loss near 10000, got %v", result.Loss)
	}
	for i, p := range model.Parameters() {
		for j, v := range p.Value.Data {
			if math.Float32bits(v) != math.Float32bits(before[i][j]) {
				t.Fatalf("Parameter %s changed on skipped step", p.Name)
			}
		}
	}
	if !(scaler.Scale() < result.Scale) {
		t.Errorf("Expected scale to decrease from %v, got %v", result.Scale, scaler.Scale())
	}
	if engine.Stats().SkippedSteps != 1 {
		t.Errorf("Expected 1 skipped step, got %d", engine.Stats().SkippedSteps)
	}
}

func TestNonFiniteLossIsSkipped(t *testing.T) {
	model := createTestModel(t)
	scaler := StaticLossScaler(1)
	engine := createEngine(t, model, PrecisionFloat32, scaler)

	input, _ := tensor.Zeros([]int{1, 1, 4, 4})
	input.Data[5] = float32(math.NaN())
	target, _ := tensor.Zeros([]int{1, 1, 4, 4})
	before := snapshot(model)

	result, err := engine.TrainStep(input, target)
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	if result.Applied {
		t.Fatal("Expected step with NaN loss to be skipped")
	}
	if !math.IsNaN(result.Loss) {
		t.Errorf("Expected NaN loss to be reported, got %v", result.Loss)
	}
	for i, p := range model.Parameters() {
		for j, v := range p.Value.Data {
			if math.Float32bits(v) != math.Float32bits(before[i][j]) {
				t.Fatalf("Parameter %s changed on skipped step", p.Name)
			}
		}
	}
	if scaler.Stats().SkippedSteps != 1 {
		t.Errorf("Expected scaler to record the skip")
	}
}

func TestAppliedStepChangesParameters(t *testing.T) {
	for _, name := range []string{PrecisionFloat32, PrecisionMixed} {
		t.Run(name, func(t *testing.T) {
			model := createTestModel(t)
			scaler, _ := NewLossScaler(DefaultLossScalerConfig())
			engine := createEngine(t, model, name, scaler)

			rng := rand.New(rand.NewSource(2))
			input, _ := tensor.Zeros([]int{2, 1, 4, 4})
			target, _ := tensor.Zeros([]int{2, 1, 4, 4})
			for i := range input.Data {
				input.Data[i] = rng.Float32()
				target.Data[i] = rng.Float32()
			}
			before := snapshot(model)

			result, err := engine.TrainStep(input, target)
			if err != nil {
				t.Fatalf("TrainStep failed: %v", err)
			}
			if !result.Applied {
				t.Fatal("Expected step to be applied")
			}

			changed := false
			for i, p := range model.Parameters() {
				for j, v := range p.Value.Data {
					if v != before[i][j] && p.Grad.Data[j] != 0 {
						changed = true
					}
				}
			}
			if !changed {
				t.Error("Expected at least one parameter with non-zero gradient to change")
			}
		})
	}
}

func TestTrainStepReducesLoss(t *testing.T) {
	model := createTestModel(t)
	scaler, _ := NewLossScaler(DefaultLossScalerConfig())
	engine := createEngine(t, model, PrecisionMixed, scaler)

	rng := rand.New(rand.NewSource(3))
	input, _ := tensor.Zeros([]int{4, 1, 4, 4})
	for i := range input.Data {
		input.Data[i] = rng.Float32()
	}
	// Target is a fixed linear function of the input.
	target := input.Clone()
	for i := range target.Data {
		target.Data[i] = 0.5*target.Data[i] + 0.25
	}

	first, err := engine.TrainStep(input, target)
	if err != nil {
		t.Fatalf("TrainStep failed: %v", err)
	}
	var last StepResult
	for i := 0; i < 300; i++ {
		last, err = engine.TrainStep(input, target)
		if err != nil {
			t.Fatalf("TrainStep %d failed: %v", i, err)
		}
	}
	if !(last.Loss < first.Loss/4) {
		t.Errorf("Expected loss to fall well below %v, got %v", first.Loss, last.Loss)
	}
}

func TestInferDoesNotMutate(t *testing.T) {
	model := createTestModel(t)
	scaler, _ := NewLossScaler(DefaultLossScalerConfig())
	engine := createEngine(t, model, PrecisionMixed, scaler)

	input, _ := tensor.Full([]int{1, 1, 4, 4}, 0.5)
	target, _ := tensor.Full([]int{1, 1, 4, 4}, 0.25)
	before := snapshot(model)

	_, loss1, err := engine.Infer(input, target)
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	_, loss2, _ := engine.Infer(input, target)

	if loss1 != loss2 {
		t.Errorf("Expected repeated inference to match: %v vs %v", loss1, loss2)
	}
	if scaler.Scale() != 65536 {
		t.Errorf("Expected scale untouched by inference, got %v", scaler.Scale())
	}
	for i, p := range model.Parameters() {
		for j, v := range p.Value.Data {
			if v != before[i][j] {
				t.Fatalf("Parameter %s changed during inference", p.Name)
			}
		}
	}

	out, loss, err := engine.Infer(input, nil)
	if err != nil || out == nil || loss != 0 {
		t.Errorf("Expected output and zero loss without target, got %v %v", loss, err)
	}
}

func TestNewPrecision(t *testing.T) {
	if _, err := NewPrecision("bfloat16", 1); err == nil {
		t.Error("Expected error for unknown precision")
	}
	p, err := NewPrecision(PrecisionMixed, 2)
	if err != nil || p.Name() != PrecisionMixed {
		t.Errorf("Expected mixed precision, got %v %v", p, err)
	}

	if ResolvePrecision(PrecisionAuto, DeviceAccelerated) != PrecisionMixed {
		t.Error("Expected auto to resolve to mixed on accelerated device")
	}
	if ResolvePrecision(PrecisionAuto, DeviceCPU) != PrecisionFloat32 {
		t.Error("Expected auto to resolve to float32 on cpu")
	}
	if ResolvePrecision(PrecisionMixed, DeviceCPU) != PrecisionMixed {
		t.Error("Expected explicit precision to be kept")
	}
}

func TestSelectDevice(t *testing.T) {
	capable := DeviceInfo{Brand: "test", Cores: 8, Accelerated: true}
	plain := DeviceInfo{Brand: "test", Cores: 1}

	if _, err := selectDevice(true, plain); err == nil {
		t.Error("Expected error requesting acceleration on incapable host")
	}
	if d, err := selectDevice(true, capable); err != nil || d != DeviceAccelerated {
		t.Errorf("Expected accelerated device, got %v %v", d, err)
	}
	if d, err := selectDevice(false, capable); err != nil || d != DeviceCPU {
		t.Errorf("Expected cpu device when not requested, got %v %v", d, err)
	}
	if DeviceCPU.Workers() != 1 {
		t.Errorf("Expected 1 worker on cpu, got %d", DeviceCPU.Workers())
	}
	if DeviceAccelerated.String() != "accelerated" {
		t.Errorf("Unexpected device name %s", DeviceAccelerated)
	}
}
