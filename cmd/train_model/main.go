package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"imageforest/db"
	"imageforest/ml"
	"imageforest/pipeline"
)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".webp": true,
}

func main() {
	dataDir := flag.String("data", "", "directory with one subdirectory per class")
	dbPath := flag.String("db", "", "sqlite path to record the trained model (optional)")
	numTrees := flag.Int("trees", ml.DefaultNumTrees, "number of trees")
	maxDepth := flag.Int("max_depth", ml.DefaultMaxDepth, "max tree depth")
	resolution := flag.Int("resolution", ml.DefaultResolution, "feature extraction resolution")
	seed := flag.Int64("seed", 0, "random seed, 0 seeds from the clock")
	flag.Parse()

	if *dataDir == "" {
		log.Fatal("data is required")
	}

	zlog, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()

	classNames, images, err := loadDirectory(*dataDir)
	if err != nil {
		log.Fatalf("failed to read training data: %v", err)
	}

	extractor, err := ml.NewFeatureExtractor(ml.ExtractorConfig{Resolution: *resolution}, zlog)
	if err != nil {
		log.Fatalf("failed to build feature extractor: %v", err)
	}
	registry := ml.NewRegistry(zlog)

	opts := pipeline.Options{
		Extractor: extractor,
		Registry:  registry,
		Logger:    zlog,
		Trainer:   ml.TrainerConfig{NumTrees: *numTrees, Tree: ml.TreeConfig{MaxDepth: *maxDepth}},
		Seed:      *seed,
		Progress: func(p ml.Progress) {
			fmt.Fprintf(os.Stderr, "\r%-10s %3.0f%% (%d/%d)", p.Stage, p.Percent, p.Tree, p.Trees)
		},
	}
	if *dbPath != "" {
		if err := db.InitDB(*dbPath); err != nil {
			log.Fatalf("failed to initialize database: %v", err)
		}
		defer db.Close()
		opts.TrainingLog = db.SaveTrainingLog
		if err := db.AttachRegistry(registry); err != nil {
			log.Fatalf("failed to restore saved models: %v", err)
		}
	}

	outcome, err := pipeline.New(opts).Train(context.Background(), classNames, images)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		log.Fatalf("failed to train model: %v", err)
	}

	m := outcome.Report.Metrics
	fmt.Printf("samples=%d failed=%d trees=%d nodes=%d\n",
		outcome.Samples, len(outcome.Failed), outcome.Summary.TreeCount, outcome.Summary.NodeCount)
	fmt.Printf("accuracy=%.4f oob_accuracy=%.4f macro_f1=%.4f\n",
		outcome.Summary.Accuracy, outcome.Summary.OOBAccuracy, m.MacroF1)
	for i, name := range classNames {
		fmt.Printf("  %-20s precision=%.3f recall=%.3f f1=%.3f support=%d\n",
			name, m.Precision[i], m.Recall[i], m.F1[i], m.Support[i])
	}

	if *dbPath != "" {
		d, err := registry.SaveModel(ml.RandomForest)
		if err != nil {
			log.Fatalf("failed to save model: %v", err)
		}
		fmt.Printf("model recorded as #%d in %s\n", d.ID, *dbPath)
	}
}

// loadDirectory maps each subdirectory of root to a class, in name order.
func loadDirectory(root string) ([]string, []pipeline.LabeledImage, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, err
	}
	var classNames []string
	for _, e := range entries {
		if e.IsDir() {
			classNames = append(classNames, e.Name())
		}
	}
	sort.Strings(classNames)

	var images []pipeline.LabeledImage
	for label, name := range classNames {
		files, err := os.ReadDir(filepath.Join(root, name))
		if err != nil {
			return nil, nil, err
		}
		for _, f := range files {
			if f.IsDir() || !imageExts[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			images = append(images, pipeline.LabeledImage{
				Source: ml.FileSource(filepath.Join(root, name, f.Name())),
				Label:  label,
			})
		}
	}
	if len(images) == 0 {
		return nil, nil, fmt.Errorf("no images found under %s", root)
	}
	return classNames, images, nil
}
