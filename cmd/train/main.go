// Command train runs the configured segmentation experiments, saves the
// result bundle and evaluates every trained model.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/canopy/internal/config"
	"github.com/banshee-data/canopy/internal/dataset"
	"github.com/banshee-data/canopy/internal/experiment"
	"github.com/banshee-data/canopy/internal/fsutil"
	"github.com/banshee-data/canopy/internal/nn"
	"github.com/banshee-data/canopy/internal/raster/gdalraster"
	"github.com/banshee-data/canopy/internal/report"
	"github.com/banshee-data/canopy/internal/store"
	"github.com/banshee-data/canopy/internal/version"
)

var (
	configPath = flag.String("config", "experiment.json", "Experiment configuration file")
	listen     = flag.String("listen", "", "Serve the metrics dashboard on this address while training")
	evaluate   = flag.Bool("evaluate", true, "Evaluate each trained model and render reports")
	evalSplit  = flag.String("eval-split", "validation", "Split to evaluate on: validation or test")
	samples    = flag.Int("samples", 3, "Tiles per prediction overlay")
)

// overlaySeeds pick the tiles of the prediction overlays.
var overlaySeeds = []int64{42, 37, 21}

func main() {
	flag.Parse()
	log.Printf("train %s", version.String())

	cfg, err := config.LoadExperimentConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fsys := fsutil.OSFileSystem{}
	drv := gdalraster.NewDriver()

	trainDS, err := dataset.New(fsys, drv, cfg.GetTrainImgDir(), cfg.GetTrainMaskDir(), dataset.DefaultAugment())
	if err != nil {
		log.Fatalf("failed to open training set: %v", err)
	}
	valDS, err := dataset.New(fsys, drv, cfg.GetValImgDir(), cfg.GetValMaskDir(), dataset.NoAugment{})
	if err != nil {
		log.Fatalf("failed to open validation set: %v", err)
	}
	log.Printf("training on %d tiles, validating on %d", trainDS.Len(), valDS.Len())
	seed, _ := cfg.GetSeed()
	trainLoader := newLoader(cfg, trainDS, true, seed)
	valLoader := newLoader(cfg, valDS, false, seed)

	dbPath := cfg.GetMetricsDB()
	if err := fsys.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatalf("failed to create metrics dir: %v", err)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open metrics database: %v", err)
	}
	defer db.Close()

	var wg sync.WaitGroup
	if *listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(ctx, db)
		}()
	}

	orch := experiment.NewOrchestrator(cfg, trainLoader, valLoader, fsys)
	orch.Store = db
	results, runErr := orch.Run(ctx, cfg.ModelConfigs())
	bundle := filepath.Join(cfg.GetModelRunsOutput(), experiment.BundleFile)
	if err := experiment.SaveBundle(fsys, bundle, results); err != nil {
		log.Printf("failed to save results: %v", err)
	}
	if runErr != nil {
		stop()
		wg.Wait()
		log.Fatalf("experiments stopped: %v", runErr)
	}

	if *evaluate {
		evalDS := valDS
		if *evalSplit == "test" {
			evalDS, err = dataset.New(fsys, drv, cfg.GetTestImgDir(), cfg.GetTestMaskDir(), dataset.NoAugment{})
			if err != nil {
				log.Fatalf("failed to open test set: %v", err)
			}
		}
		for _, res := range results {
			if err := evaluateRun(ctx, cfg, fsys, evalDS, newLoader(cfg, evalDS, false, seed), res); err != nil {
				log.Printf("evaluation of %s failed: %v", res.Tag, err)
			}
		}
	}

	if *listen != "" {
		log.Printf("training complete, dashboard still on %s (interrupt to exit)", *listen)
		<-ctx.Done()
	}
	stop()
	wg.Wait()
}

func newLoader(cfg *config.ExperimentConfig, ds *dataset.Dataset, shuffle bool, seed int64) *dataset.Loader {
	return &dataset.Loader{
		Dataset:   ds,
		BatchSize: cfg.GetBatchSize(),
		Shuffle:   shuffle,
		Workers:   cfg.GetNumWorkers(),
		Seed:      seed,
	}
}

// evaluateRun reloads the best checkpoint of res and writes the evaluation
// report, plots and prediction overlays into the run's output directory.
func evaluateRun(ctx context.Context, cfg *config.ExperimentConfig, fsys fsutil.FileSystem, ds *dataset.Dataset,
	src *dataset.Loader, res experiment.RunResult) error {
	mc := res.Config
	model, err := nn.Build(mc.Encoder, mc.DecoderAttention, cfg.GetInChannels(), 0)
	if err != nil {
		return err
	}
	if err := nn.LoadCheckpoint(fsys, nn.CheckpointPath(mc.OutDir, res.Tag), model); err != nil {
		return err
	}

	ev, err := report.Evaluate(ctx, model, src)
	if err != nil {
		return err
	}
	log.Printf("%s: accuracy %.4f precision %.4f recall %.4f F1 %.4f IoU %.4f",
		res.Tag, ev.Accuracy, ev.Precision, ev.Recall, ev.F1, ev.IoU)
	if err := report.WriteReport(fsys, mc.OutDir, ev); err != nil {
		return err
	}

	out := func(name string) string { return filepath.Join(mc.OutDir, name) }
	if err := report.SaveConfusionMatrix(fsys, out(report.ConfusionMatrixFile), ev); err != nil {
		return err
	}
	if ev.AUC != nil {
		if err := report.SaveROC(fsys, out(report.ROCFile), ev); err != nil {
			return err
		}
		if err := report.SavePrecisionRecall(fsys, out(report.PRFile), ev); err != nil {
			return err
		}
	}
	if err := report.SaveTrainingCurves(fsys, out(report.CurvesFile), mc.Encoder, res.Train, res.Val); err != nil {
		return err
	}

	n := min(*samples, ds.Len())
	for _, seed := range overlaySeeds {
		if err := report.VisualizePredictions(fsys, out(report.PredictionsFile(seed, mc.Encoder)), model, ds, n, seed); err != nil {
			return err
		}
	}
	return nil
}

// serve exposes tailsql, the run listing and live training curves until ctx
// is done.
func serve(ctx context.Context, db *store.Store) {
	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		log.Printf("failed to attach admin routes: %v", err)
		return
	}
	tsweb.Debugger(mux).Handle("curves", "Training curves (?run_id=)", report.CurvesHandler(db))

	server := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()
	log.Printf("dashboard listening on %s", *listen)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		server.Close()
	}
}
