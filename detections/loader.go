package detections

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/xerrors"
)

type LoadOptions struct {
	Backend    string
	LabelsPath string
	InputSize  int
	PoolSize   int
	Threads    int
}

// ErrNoModel is returned when neither the primary nor the fallback model
// could be loaded.
var ErrNoModel = xerrors.New("no detection model could be loaded")

type engineFactory func(modelPath string, opts LoadOptions) (engine, error)

var engineFactories = map[string]engineFactory{
	BackendONNX: func(modelPath string, opts LoadOptions) (engine, error) {
		return newONNXEngine(modelPath, opts)
	},
	BackendOpenCV: newOpenCVEngine,
}

// LoadModel loads a single artifact.
func LoadModel(modelPath string, opts LoadOptions) (*Model, error) {
	return loadModel(modelPath, opts, engineFactories)
}

func loadModel(modelPath string, opts LoadOptions, factories map[string]engineFactory) (*Model, error) {
	backend := opts.Backend
	if backend == "" {
		backend = BackendONNX
	}
	factory, ok := factories[backend]
	if !ok {
		return nil, xerrors.Errorf("unknown model backend %q", backend)
	}

	raw, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, xerrors.Errorf("model file not found: %w", err)
	}

	names, source, err := resolveClassNames(opts.LabelsPath, raw)
	if err != nil {
		return nil, xerrors.Errorf("class names for %s: %w", modelPath, err)
	}

	eng, err := factory(modelPath, opts)
	if err != nil {
		return nil, xerrors.Errorf("load %s: %w", modelPath, err)
	}

	model, err := newModel(modelPath, backend, names, source, eng)
	if err != nil {
		eng.Close()
		return nil, err
	}
	return model, nil
}

// LoadWithFallback loads primaryPath, or fallbackPath if that fails. A model
// served from the fallback is marked Degraded.
func LoadWithFallback(logger *slog.Logger, primaryPath, fallbackPath string, opts LoadOptions) (*Model, error) {
	return loadWithFallback(logger, primaryPath, fallbackPath, opts, engineFactories)
}

func loadWithFallback(logger *slog.Logger, primaryPath, fallbackPath string, opts LoadOptions, factories map[string]engineFactory) (*Model, error) {
	model, err := loadModel(primaryPath, opts, factories)
	if err == nil {
		logLoaded(logger, model)
		return model, nil
	}

	logger.Warn("error loading model",
		slog.String("path", primaryPath),
		slog.String("error", err.Error()),
	)
	if fallbackPath == "" {
		return nil, fmt.Errorf("%w: %w", ErrNoModel, err)
	}

	// The primary labels file describes the primary model's classes only.
	fallbackOpts := opts
	fallbackOpts.LabelsPath = ""

	model, fallbackErr := loadModel(fallbackPath, fallbackOpts, factories)
	if fallbackErr != nil {
		return nil, fmt.Errorf("%w: primary: %v, fallback: %w", ErrNoModel, err, fallbackErr)
	}

	model.Degraded = true
	logger.Warn("falling back to generic model",
		slog.String("path", fallbackPath),
	)
	logLoaded(logger, model)
	return model, nil
}

func logLoaded(logger *slog.Logger, m *Model) {
	width, height := m.InputSize()
	logger.Info("model loaded",
		slog.String("path", m.Path),
		slog.String("backend", m.Backend),
		slog.Bool("degraded", m.Degraded),
		slog.Int("classes", m.NumClasses()),
		slog.String("names_source", m.NamesSource),
		slog.Int("input_width", width),
		slog.Int("input_height", height),
		slog.String("output_layout", m.OutputLayout()),
	)
}
