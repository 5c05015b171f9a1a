package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wyfcoding/heimdall/capability"
	"github.com/wyfcoding/heimdall/heimdall"
	"github.com/wyfcoding/heimdall/market"
	"github.com/wyfcoding/heimdall/xerrors"
)

type fetchOptions struct {
	asset     string
	timeframe string
	limit     int
	provider  string
	kind      string
	usage     string
	series    bool
	noCache   bool
}

func newFetchCmd(root *rootOptions) *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch <field> <symbol>",
		Short: "Fetch one field for a symbol through the failover walk",
		Example: `  heimdall fetch quote AAPL
  heimdall fetch candles BTC-USD --asset crypto --timeframe 1h --limit 48
  heimdall fetch macro CPIAUCSL --series -o json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			field, err := capability.ParseField(args[0])
			if err != nil {
				return err
			}
			if opts.limit < 0 {
				return xerrors.InvalidArg("limit must not be negative")
			}

			ctx := cmd.Context()
			rt, err := root.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			req := heimdall.FetchRequest{
				Field:     field,
				Symbol:    args[1],
				Timeframe: opts.timeframe,
				Limit:     opts.limit,
				Series:    opts.series,
				Screener:  market.ParseScreenerKind(opts.kind),
				Options: []heimdall.RequestOption{
					heimdall.WithUsage(heimdall.ParseUsage(opts.usage)),
					heimdall.WithEngine("cli"),
				},
			}
			if opts.asset != "" {
				req.Asset = capability.ParseAssetType(opts.asset)
			}
			if opts.provider != "" {
				id, err := lookupProvider(rt.Orchestrator.Matrix(), opts.provider)
				if err != nil {
					return err
				}
				req.Options = append(req.Options, heimdall.WithProvider(id))
			}
			if opts.noCache {
				req.Options = append(req.Options, heimdall.BypassCache())
			}

			v, err := rt.Orchestrator.Fetch(ctx, req)
			if err != nil {
				return err
			}
			if root.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), v)
			}
			return renderResult(cmd.OutOrStdout(), v)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.asset, "asset", "", "asset type: stock, crypto, forex, etf, index, macro")
	f.StringVar(&opts.timeframe, "timeframe", "", "candle timeframe such as 1d or 1h")
	f.IntVar(&opts.limit, "limit", 0, "maximum number of rows")
	f.StringVar(&opts.provider, "provider", "", "pin the request to one provider")
	f.StringVar(&opts.kind, "kind", "", "screener kind: gainers, losers, actives")
	f.StringVar(&opts.usage, "usage", "interactive", "usage context: interactive, realtime, background")
	f.BoolVar(&opts.series, "series", false, "return the full macro series")
	f.BoolVar(&opts.noCache, "no-cache", false, "skip the response cache")
	return cmd
}

func lookupProvider(m *capability.Matrix, name string) (capability.Provider, error) {
	for _, id := range m.Providers() {
		if strings.EqualFold(string(id.Name), name) {
			return id.Name, nil
		}
	}
	return "", xerrors.InvalidArg(fmt.Sprintf("unknown provider %q", name))
}

// renderResult 以表格输出报价与 K 线，其余类型输出 JSON。
func renderResult(w io.Writer, v any) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	switch r := v.(type) {
	case market.Quote:
		fmt.Fprintln(tw, "SYMBOL\tPRICE\tCHANGE\tCHANGE%\tPROVIDER\tTIME")
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%s\n", r.Symbol, r.Price.String(), r.Change.String(),
			r.ChangePercent, r.Provider, formatTime(r.Timestamp))
	case market.Series:
		fmt.Fprintf(tw, "%s %s via %s (%d candles)\n", r.Symbol, r.Timeframe, r.Provider, len(r.Candles))
		fmt.Fprintln(tw, "TIME\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME")
		for _, c := range r.Candles {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.0f\n", formatTime(c.Time),
				c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume)
		}
	default:
		return writeJSON(w, v)
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
