package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"pricewatch/internal/storage"
)

// Show prints the persisted histories, the relay mailbox and recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	store := a.newHistory(opts.Exchange, backend)
	if err := store.Load(ctx); err != nil {
		return err
	}
	return a.show(ctx, os.Stdout, backend, store.ReadAll(), opts)
}

func (a *App) show(ctx context.Context, out io.Writer, backend storage.Backend, histories map[string][]decimal.Decimal, opts ShowOptions) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	instruments := make([]string, 0, len(histories))
	for instrument := range histories {
		instruments = append(instruments, instrument)
	}
	sort.Strings(instruments)

	if len(instruments) == 0 {
		fmt.Fprintln(writer, "no histories found")
	} else {
		fmt.Fprintln(writer, "Instrument\tSamples\tPrices (newest first)")
		for _, instrument := range instruments {
			prices := histories[instrument]
			parts := make([]string, 0, len(prices))
			for _, p := range prices {
				parts = append(parts, p.String())
			}
			fmt.Fprintf(writer, "%s\t%d\t%s\n", instrument, len(prices), strings.Join(parts, " "))
		}
	}
	fmt.Fprintln(writer)

	state, err := backend.LoadRelayState(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		fmt.Fprintln(writer, "relay state: none")
	case err != nil:
		fmt.Fprintf(writer, "relay state: unreadable (%v)\n", err)
	default:
		fmt.Fprintf(writer, "relay state: %s\t%s\n",
			time.Unix(state.Time, 0).UTC().Format(time.RFC3339), sanitizeInline(state.Message))
	}

	if recorder, ok := backend.(storage.AlertRecorder); ok && opts.Alerts > 0 {
		alerts, err := recorder.ListRecentAlerts(ctx, opts.Alerts)
		if err != nil {
			return err
		}
		fmt.Fprintln(writer)
		fmt.Fprintln(writer, "Time (UTC)\tExchange\tInstrument\tOld\tNew\tChange%\tMinutes")
		for _, alert := range alerts {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
				alert.CreatedAt.UTC().Format(time.RFC3339),
				alert.Exchange,
				alert.Instrument,
				alert.OldPrice.String(),
				alert.NewPrice.String(),
				alert.PercentDiff.StringFixed(2),
				alert.Minutes,
			)
		}
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
