package processor

import (
	"os"

	"github.com/adverant/nexus/ocrfusion-worker/internal/confusion"
	"github.com/adverant/nexus/ocrfusion-worker/internal/errors"
	"github.com/adverant/nexus/ocrfusion-worker/internal/logging"
	"github.com/adverant/nexus/ocrfusion-worker/internal/ngram"
)

// ModelPaths points at optional external model tables. Empty paths use the
// built-in tables.
type ModelPaths struct {
	NGramArabic        string
	NGramEnglish       string
	ConfusionOverrides string
}

// Models are the shared read-only language resources.
type Models struct {
	Arabic    *ngram.Model
	English   *ngram.Model
	Confusion *confusion.Model
	// Diagnostics are attached to every pipeline result.
	Diagnostics map[string]interface{}
}

// LoadModels builds the built-in models and merges any external tables on
// top. A table that cannot be read leaves the built-in one in place and is
// reported in Diagnostics; it never fails the worker.
func LoadModels(paths ModelPaths, logger *logging.Logger) *Models {
	logger = logging.OrDefault(logger, "Models")
	m := &Models{
		Arabic:      ngram.NewArabic(),
		English:     ngram.NewEnglish(),
		Diagnostics: map[string]interface{}{},
	}

	m.Arabic = loadNGram(m.Arabic, paths.NGramArabic, "ngram_ar", m.Diagnostics, logger)
	m.English = loadNGram(m.English, paths.NGramEnglish, "ngram_en", m.Diagnostics, logger)

	m.Diagnostics["confusion_load_failed"] = false
	var overrides confusion.Table
	if paths.ConfusionOverrides != "" {
		table, err := readOverrides(paths.ConfusionOverrides)
		if err != nil {
			loadErr := errors.NewModelLoadError(paths.ConfusionOverrides, err)
			logger.Warn("Confusion overrides ignored", "error", loadErr.Error())
			m.Diagnostics["confusion_load_failed"] = true
			m.Diagnostics["confusion_load_error"] = loadErr.ToMap()
		} else {
			overrides = table
			m.Diagnostics["confusion_overrides"] = len(table)
		}
	}
	m.Confusion = confusion.New(overrides)

	return m
}

func loadNGram(base *ngram.Model, path, prefix string, diag map[string]interface{}, logger *logging.Logger) *ngram.Model {
	diag[prefix+"_load_failed"] = false
	if path == "" {
		return base
	}
	loaded := base.LoadFile(path)
	d := loaded.Diagnostics()
	if d.LoadFailed {
		diag[prefix+"_load_failed"] = true
		diag[prefix+"_load_reason"] = d.Reason
		logger.Warn("N-gram table ignored, using built-in defaults", "language", loaded.Language(), "source", path, "reason", d.Reason)
		return loaded
	}
	diag[prefix+"_loaded"] = d.Loaded
	logger.Info("N-gram table loaded", "language", loaded.Language(), "source", path, "entries", d.Loaded)
	return loaded
}

func readOverrides(path string) (confusion.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return confusion.LoadOverrides(f)
}
