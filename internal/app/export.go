package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"option-risk-alerts/internal/timeseries"
)

// Export renders one recorded series from the persisted snapshot as CSV
// and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Key == "" {
		return errors.New("--key is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	state, closeState, err := a.openState(ctx)
	if err != nil {
		return err
	}
	if closeState != nil {
		defer closeState()
	}

	snap, err := state.Load(ctx)
	if err != nil {
		return err
	}

	samples := snap.Series[opts.Key]
	samples = filterWindow(samples, opts.From, opts.To)
	if len(samples) == 0 {
		a.Logger.Info().Str("key", opts.Key).Msg("no samples found for export window")
		return nil
	}

	downsampled := downsampleSeries(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSeriesCSV(opts.CSVPath, opts.Key, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSeriesPNG(opts.PNGPath, opts.Key, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func filterWindow(samples []timeseries.Sample, from, to *time.Time) []timeseries.Sample {
	var out []timeseries.Sample
	for _, sample := range samples {
		if from != nil && sample.Timestamp.Before(*from) {
			continue
		}
		if to != nil && sample.Timestamp.After(*to) {
			continue
		}
		out = append(out, sample)
	}
	return out
}

func downsampleSeries(samples []timeseries.Sample, max int) []timeseries.Sample {
	if max <= 0 || len(samples) <= max {
		return samples
	}

	result := make([]timeseries.Sample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSeriesCSV(path, key string, samples []timeseries.Sample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"ts", "key", "value"}); err != nil {
		return err
	}

	for _, sample := range samples {
		record := []string{
			sample.Timestamp.UTC().Format(time.RFC3339),
			key,
			sample.Value.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSeriesPNG(path, key string, samples []timeseries.Sample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	y := make([]float64, len(samples))
	for i, sample := range samples {
		x[i] = sample.Timestamp
		y[i] = sample.Value.InexactFloat64()
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: key,
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.4f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    key,
				XValues: x,
				YValues: y,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := graph.Render(chart.PNG, file); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
