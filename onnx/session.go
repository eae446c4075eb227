// Package onnx runs emulator entrypoints through ONNX Runtime, so a program
// package can point an entrypoint at an .onnx model instead of a builtin
// kernel.
package onnx

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/gomithril/iopruntime/emulator"
)

// KernelName is the kernel name entrypoints use to select ONNX execution.
const KernelName = "onnx"

// Kernel executes the model named by the "model" attribute. Optional
// "inputs" and "outputs" attributes list comma separated ONNX names; by
// default the tensor names are used.
type Kernel struct {
	mu       sync.Mutex
	sessions map[string]*ort.DynamicAdvancedSession
}

var _ emulator.Kernel = (*Kernel)(nil)

// NewKernel initialises the ONNX Runtime environment from the shared
// library at libraryPath.
func NewKernel(libraryPath string) (*Kernel, error) {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to init ONNX env: %v", err)
		}
	}
	return &Kernel{sessions: make(map[string]*ort.DynamicAdvancedSession)}, nil
}

func (k *Kernel) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, session := range k.sessions {
		if err := session.Destroy(); err != nil {
			log.Debug().Err(err).Str("session", key).Msg("destroying ONNX session")
		}
	}
	clear(k.sessions)
	ort.DestroyEnvironment()
}

// session returns the cached session for modelPath bound to the given
// names, creating it on first use.
func (k *Kernel) session(modelPath string, inputs, outputs []string) (*ort.DynamicAdvancedSession, error) {
	key := sessionKey(modelPath, inputs, outputs)
	k.mu.Lock()
	defer k.mu.Unlock()
	if s, ok := k.sessions[key]; ok {
		return s, nil
	}
	s, err := ort.NewDynamicAdvancedSession(modelPath, inputs, outputs, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic session: %w", err)
	}
	k.sessions[key] = s
	log.Info().Str("model", modelPath).Strs("inputs", inputs).Strs("outputs", outputs).Msg("created ONNX session")
	return s, nil
}

// sessionKey identifies a session by model and name binding.
func sessionKey(modelPath string, inputs, outputs []string) string {
	return fmt.Sprintf("%q %q %q", modelPath, inputs, outputs)
}

func (k *Kernel) Run(ctx context.Context, attrs map[string]string, inputs, outputs []emulator.Tensor) error {
	modelPath := attrs["model"]
	if modelPath == "" {
		return fmt.Errorf("onnx kernel needs a model attribute")
	}
	inputNames, err := names(attrs["inputs"], inputs)
	if err != nil {
		return fmt.Errorf("inputs: %w", err)
	}
	outputNames, err := names(attrs["outputs"], outputs)
	if err != nil {
		return fmt.Errorf("outputs: %w", err)
	}

	session, err := k.session(modelPath, inputNames, outputNames)
	if err != nil {
		return err
	}

	io, err := newModelIO(inputs, outputs)
	if err != nil {
		return err
	}
	// Ensure cleanup of tensors
	defer io.Destroy()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := session.Run(io.InputTensors, io.OutputTensors); err != nil {
		return fmt.Errorf("inference failed: %v", err)
	}

	for i, v := range io.OutputTensors {
		if err := readValue(v, outputs[i].Data); err != nil {
			return fmt.Errorf("output %s: %w", outputs[i].Name, err)
		}
	}
	return nil
}

func names(attr string, tensors []emulator.Tensor) ([]string, error) {
	if attr == "" {
		out := make([]string, len(tensors))
		for i, t := range tensors {
			out[i] = t.Name
		}
		return out, nil
	}
	out := strings.Split(attr, ",")
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	if len(out) != len(tensors) {
		return nil, fmt.Errorf("%d names for %d tensors", len(out), len(tensors))
	}
	return out, nil
}
