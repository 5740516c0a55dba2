package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"

	"csi-fewshot/internal/dataset"
	"csi-fewshot/internal/device"
	"csi-fewshot/internal/protonet"
)

// InferenceConfig classifies a pool against a fixed prototype table.
type InferenceConfig struct {
	Classifier *protonet.Classifier
	Prototypes *protonet.Prototypes
	Pool       *dataset.Pool
	Device     *device.Device
	// Verbose logs every sample.
	Verbose bool
}

// InferenceReport counts outcomes per true label.
type InferenceReport struct {
	Total     int
	Correct   int
	Accuracy  float64
	PerLabel  map[int]float64
	Confusion map[int]map[int]int
}

// RunInference classifies every sample in the pool one query at a time.
func RunInference(ctx context.Context, cfg InferenceConfig) (*InferenceReport, error) {
	if cfg.Classifier == nil || cfg.Prototypes == nil || cfg.Pool == nil {
		return nil, errors.New("trainer: classifier, prototypes and pool are required")
	}
	report := &InferenceReport{
		PerLabel:  make(map[int]float64),
		Confusion: make(map[int]map[int]int),
	}
	for _, label := range cfg.Pool.Labels() {
		correct := 0
		examples := cfg.Pool.Examples(label)
		for i, x := range examples {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res, err := cfg.Classifier.Infer(cfg.Device, x, cfg.Prototypes, label)
			if err != nil {
				return nil, fmt.Errorf("label %d sample %d: %w", label, i, err)
			}
			if cfg.Verbose {
				log.Printf("label=%d pred=%d correct=%t", label, res.Predicted, res.Correct)
			}
			if report.Confusion[label] == nil {
				report.Confusion[label] = make(map[int]int)
			}
			report.Confusion[label][res.Predicted]++
			if res.Correct {
				correct++
			}
		}
		report.Total += len(examples)
		report.Correct += correct
		report.PerLabel[label] = float64(correct) / float64(len(examples))
	}
	report.Accuracy = float64(report.Correct) / float64(report.Total)
	log.Printf("inference samples=%d correct=%d acc=%.4f", report.Total, report.Correct, report.Accuracy)
	return report, nil
}
