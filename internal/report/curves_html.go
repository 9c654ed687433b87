package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/canopy/internal/httputil"
	"github.com/banshee-data/canopy/internal/train"
)

// WriteCurvesHTML renders interactive training curves, one line chart per
// curve, as a standalone HTML page.
func WriteCurvesHTML(w io.Writer, title string, trainRecs, valRecs []train.EpochRecord) error {
	epochs := make([]string, len(valRecs))
	for i := range epochs {
		epochs[i] = strconv.Itoa(i + 1)
	}

	page := components.NewPage()
	page.PageTitle = title
	for _, name := range curvePanels(valRecs) {
		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "360px"}),
			charts.WithTitleOpts(opts.Title{Title: name, Subtitle: title}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
			charts.WithXAxisOpts(opts.XAxis{Name: "Epoch", NameLocation: "middle", NameGap: 25}),
		)
		line.SetXAxis(epochs).
			AddSeries("train", lineData(trainRecs, name)).
			AddSeries("validation", lineData(valRecs, name))
		page.AddCharts(line)
	}
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render curves: %w", err)
	}
	return nil
}

func lineData(recs []train.EpochRecord, name string) []opts.LineData {
	out := make([]opts.LineData, len(recs))
	for i, r := range recs {
		out[i] = opts.LineData{Value: recordValue(r, name)}
	}
	return out
}

// RecordSource returns the epoch history of a run. *store.Store implements it.
type RecordSource interface {
	Records(ctx context.Context, runID string) (trainRecs, valRecs []train.EpochRecord, err error)
}

// CurvesHandler serves the curves of the run named by ?run_id= as HTML.
func CurvesHandler(src RecordSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		runID := r.URL.Query().Get("run_id")
		if runID == "" {
			httputil.BadRequest(w, "missing run_id")
			return
		}
		trainRecs, valRecs, err := src.Records(r.Context(), runID)
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if len(valRecs) == 0 {
			httputil.NotFound(w, "no epochs recorded for run "+runID)
			return
		}
		var buf bytes.Buffer
		if err := WriteCurvesHTML(&buf, fmt.Sprintf("Training Curves (%s)", runID), trainRecs, valRecs); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteHTML(w, buf.Bytes())
	})
}
