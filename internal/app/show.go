package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"option-risk-alerts/internal/timeseries"
)

// Show prints recorded series from the persisted snapshot. With a key it
// prints that series' recent samples; without one it lists every series with
// its latest value.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
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
	if len(snap.Series) == 0 {
		fmt.Fprintln(os.Stdout, "no recorded series found")
		return nil
	}

	if opts.Key != "" {
		return showSeries(snap.Series[opts.Key], opts)
	}

	keys := make([]string, 0, len(snap.Series))
	for key := range snap.Series {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Key\tSamples\tLatest (UTC)\tValue")
	for _, key := range keys {
		samples := snap.Series[key]
		if len(samples) == 0 {
			continue
		}
		latest := samples[len(samples)-1]
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\n",
			key, len(samples), latest.Timestamp.UTC().Format(time.RFC3339), latest.Value.String())
	}
	return writer.Flush()
}

func showSeries(samples []timeseries.Sample, opts ShowOptions) error {
	if len(samples) == 0 {
		fmt.Fprintf(os.Stdout, "no samples for %s\n", opts.Key)
		return nil
	}

	if opts.Limit > 0 && len(samples) > opts.Limit {
		samples = samples[len(samples)-opts.Limit:]
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tValue")
	for _, sample := range samples {
		fmt.Fprintf(writer, "%s\t%s\n", sample.Timestamp.UTC().Format(time.RFC3339), sample.Value.String())
	}
	return writer.Flush()
}
