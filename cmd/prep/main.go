// Command prep turns Sentinel-2 scenes and a PRODES label raster into the
// tiled Train/Validation/Test corpus consumed by cmd/train.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/banshee-data/canopy/internal/config"
	"github.com/banshee-data/canopy/internal/dataset"
	"github.com/banshee-data/canopy/internal/fsutil"
	"github.com/banshee-data/canopy/internal/prep"
	"github.com/banshee-data/canopy/internal/raster/gdalraster"
	"github.com/banshee-data/canopy/internal/version"
)

var (
	configPath = flag.String("config", "prep.json", "Preprocessing configuration file")
	skipScenes = flag.Bool("split-only", false, "Skip scene processing and only split existing tiles")
	skipSplit  = flag.Bool("no-split", false, "Process scenes without splitting the tiles")
)

// ManifestFile records the split under the dataset folder.
const ManifestFile = "split.json"

func main() {
	flag.Parse()
	log.Printf("prep %s", version.String())

	cfg, err := config.LoadPrepConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fsys := fsutil.OSFileSystem{}
	if !*skipScenes {
		p := prep.NewPipeline(cfg, gdalraster.NewDriver(), gdalraster.Projector{}, fsys)
		sum, err := prep.NewSceneRunner(cfg, p).Run(ctx)
		if err != nil {
			log.Fatalf("scene processing stopped: %v", err)
		}
		for _, f := range sum.Failed {
			log.Printf("failed: %v", f)
		}
		if sum.Scenes == 0 {
			log.Fatalf("no scene processed successfully")
		}
	}
	if *skipSplit {
		return
	}

	train, val, test := cfg.GetRatios()
	var rng *rand.Rand
	if seed, ok := cfg.GetSeed(); ok {
		rng = rand.New(rand.NewSource(seed))
	}
	out := cfg.GetDatasetFolder()
	m, err := dataset.Split(fsys, cfg.GetTilesOutputFolder(), out, dataset.Ratios{Train: train, Val: val, Test: test}, rng)
	if err != nil {
		log.Fatalf("failed to split dataset: %v", err)
	}
	if err := m.Save(fsys, filepath.Join(out, ManifestFile)); err != nil {
		log.Fatalf("failed to save split manifest: %v", err)
	}
	log.Printf("split %d tiles: %d train, %d validation, %d test", m.Len(), len(m.Train), len(m.Validation), len(m.Test))
}
