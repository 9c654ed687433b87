package prep

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/canopy/internal/config"
)

// SceneRunner runs the per-scene stages over every subfolder of ScenesDir.
type SceneRunner struct {
	Pipeline *Pipeline

	ScenesDir   string
	OutputDir   string
	LabelPath   string
	TilesDir    string
	ForestValue float64
	TileSize    int
	// Fast stacks bands as-is instead of warping and rescaling them.
	Fast bool
}

// NewSceneRunner wires a runner from cfg.
func NewSceneRunner(cfg *config.PrepConfig, p *Pipeline) *SceneRunner {
	return &SceneRunner{
		Pipeline:    p,
		ScenesDir:   cfg.GetSentinelImagesFolder(),
		OutputDir:   cfg.GetSentinelOutputFolder(),
		LabelPath:   cfg.GetLabelRasterPath(),
		TilesDir:    cfg.GetTilesOutputFolder(),
		ForestValue: cfg.GetForestValue(),
		TileSize:    cfg.GetTileSize(),
		Fast:        cfg.GetFast(),
	}
}

// SceneError pairs a failed scene with its error.
type SceneError struct {
	Scene string
	Err   error
}

func (e SceneError) Error() string { return fmt.Sprintf("scene %s: %v", e.Scene, e.Err) }

func (e SceneError) Unwrap() error { return e.Err }

// Summary counts what a run produced.
type Summary struct {
	Scenes int
	Tiles  int
	Failed []SceneError
}

// ScenePaths are the intermediate files of one scene.
type ScenePaths struct {
	Image       string
	Labels      string
	BinaryLabel string
}

// Paths returns <OutputDir>/<scene>/{<scene>.tif,<scene>_PRODES.tif,<scene>_PRODES_BINARY.tif}.
func (r *SceneRunner) Paths(scene string) ScenePaths {
	dir := filepath.Join(r.OutputDir, scene)
	return ScenePaths{
		Image:       filepath.Join(dir, scene+".tif"),
		Labels:      filepath.Join(dir, scene+"_PRODES.tif"),
		BinaryLabel: filepath.Join(dir, scene+"_PRODES_BINARY.tif"),
	}
}

// Run processes scenes in name order. A failing scene is logged and recorded
// in the summary; the remaining scenes still run. Cancellation is checked
// between scenes.
func (r *SceneRunner) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	scenes, err := r.Pipeline.FS.ListDirs(r.ScenesDir)
	if err != nil {
		return sum, fmt.Errorf("list scenes: %w", err)
	}

	for _, scene := range scenes {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		logf("processing scene %s", scene)
		n, err := r.RunScene(scene)
		if err != nil {
			logf("scene %s failed: %v", scene, err)
			sum.Failed = append(sum.Failed, SceneError{Scene: scene, Err: err})
			continue
		}
		sum.Scenes++
		sum.Tiles += n
	}
	logf("processed %d scenes (%d failed), %d tiles", sum.Scenes, len(sum.Failed), sum.Tiles)
	return sum, nil
}

// RunScene runs align (or stack), clip, binarize and tile for one scene and
// returns the number of tiles written.
func (r *SceneRunner) RunScene(scene string) (int, error) {
	p := r.Pipeline
	paths := r.Paths(scene)
	folder := filepath.Join(r.ScenesDir, scene)

	align := p.AlignBands
	if r.Fast {
		align = p.StackBands
	}
	if err := align(folder, paths.Image); err != nil {
		return 0, err
	}
	if err := p.ClipLabels(r.LabelPath, paths.Image, paths.Labels); err != nil {
		return 0, err
	}
	if err := p.BinarizeFile(paths.Labels, paths.BinaryLabel, r.ForestValue); err != nil {
		return 0, err
	}
	return p.TilePair(paths.Image, paths.BinaryLabel, r.TilesDir, scene, r.TileSize)
}
