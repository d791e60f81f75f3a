package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"stockdash/internal/config"
	"stockdash/internal/dashboard"
	"stockdash/internal/domain"
	"stockdash/internal/query"
	"stockdash/internal/util"
	"stockdash/pkg/stockdash"
)

const version = "0.1.0"

var (
	upStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	downStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: stockdash-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version            Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  stocks             List all stocks (-sort symbol|change|volume|cap)\n")
	fmt.Fprintf(os.Stderr, "  overview           Stocks and market movers side by side\n")
	fmt.Fprintf(os.Stderr, "  movers             Show market movers (-watch to poll)\n")
	fmt.Fprintf(os.Stderr, "  gainers            Show top gainers (-limit N)\n")
	fmt.Fprintf(os.Stderr, "  losers             Show top losers (-limit N)\n")
	fmt.Fprintf(os.Stderr, "  history SYMBOL     Show daily closes (-period 1d|5d|1mo|3mo|6mo|1y)\n")
	fmt.Fprintf(os.Stderr, "  populate           Ask the service to refresh its data (-limit N)\n")
	fmt.Fprintf(os.Stderr, "\nThe service URL comes from STOCKDASH_API_URL or the config file.\n")
}

func main() {
	flag.Usage = usage
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "version" {
		fmt.Printf("stockdash-cli %s\n", version)
		return
	}

	cfgPath := "config/stockdash.yaml"
	if p := os.Getenv("STOCKDASH_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	// Logs go to stderr so command output stays pipeable.
	logger := util.NewLogger(os.Stderr, cfg.Logging.Level, "text")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := stockdash.NewClient(cfg.API.BaseURL).WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout})
	app := &cli{client: client, cfg: cfg, out: os.Stdout}

	switch cmd {
	case "stocks":
		err = app.stocks(ctx, args)
	case "overview":
		err = app.overview(ctx)
	case "movers":
		err = app.movers(ctx, args, logger)
	case "gainers":
		err = app.ranked(ctx, "gainers", args, client.FetchTopGainers)
	case "losers":
		err = app.ranked(ctx, "losers", args, client.FetchTopLosers)
	case "history":
		err = app.history(ctx, args)
	case "populate":
		err = app.populate(ctx, args, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", cmd, dashboard.ErrorMessage(err))
		os.Exit(1)
	}
}

type cli struct {
	client *stockdash.Client
	cfg    *config.Config
	out    io.Writer
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func (c *cli) stocks(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stocks", flag.ExitOnError)
	sortBy := fs.String("sort", "symbol", "sort order: symbol, change, volume, cap")
	fs.Parse(args)

	mode, err := parseSort(*sortBy)
	if err != nil {
		return err
	}
	stocks, err := c.client.FetchAllStocks(ctx)
	if err != nil {
		return err
	}
	stocks = dashboard.SortStocks(dashboard.FilterActive(stocks), mode)
	c.printStocks(fmt.Sprintf("Stocks (%d, by %s)", len(stocks), dashboard.SortModeLabel(mode)), stocks)
	return nil
}

func (c *cli) overview(ctx context.Context) error {
	var (
		stocks []domain.Stock
		movers domain.MarketMovers
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stocks, err = c.client.FetchAllStocks(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		movers, err = c.client.FetchMarketMovers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	c.printStocks(fmt.Sprintf("Stocks (%d)", len(stocks)), dashboard.SortStocks(stocks, dashboard.SortMarketCap))
	fmt.Fprintln(c.out)
	c.printMovers(dashboard.DeriveMovers(query.Entry{Status: query.Success, Data: movers, FetchedAt: time.Now()}))
	return nil
}

func (c *cli) ranked(ctx context.Context, title string, args []string, fetch func(context.Context, int) ([]domain.Stock, error)) error {
	fs := flag.NewFlagSet(title, flag.ExitOnError)
	limit := fs.Int("limit", stockdash.DefaultLimit, "number of stocks")
	fs.Parse(args)

	stocks, err := fetch(ctx, *limit)
	if err != nil {
		return err
	}
	c.printStocks(fmt.Sprintf("Top %s", title), stocks)
	return nil
}

// movers prints the market movers once, or with -watch keeps polling at the
// refresh interval through the query cache until interrupted.
func (c *cli) movers(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("movers", flag.ExitOnError)
	watch := fs.Bool("watch", false, "poll and reprint until interrupted")
	every := fs.Duration("every", c.cfg.Dashboard.RefreshInterval, "poll interval (10s, 30s, 1m or 5m)")
	fs.Parse(args)

	if !*watch {
		m, err := c.client.FetchMarketMovers(ctx)
		if err != nil {
			return err
		}
		c.printMovers(dashboard.DeriveMovers(query.Entry{Status: query.Success, Data: m, FetchedAt: time.Now()}))
		return nil
	}

	refresh := dashboard.NewRefreshController()
	if err := refresh.Set(*every); err != nil {
		return err
	}
	metrics, err := query.ListenMetrics(ctx, c.cfg.Dashboard.MetricsAddr, logger)
	if err != nil {
		return err
	}
	cache := query.New(
		query.WithRetryDelay(c.cfg.Dashboard.RetryDelay),
		query.WithLogger(logger),
		query.WithMetrics(metrics),
	)
	model := dashboard.NewMoversModel(cache, c.client, refresh, logger)

	views := make(chan dashboard.MoversView, 1)
	model.Start(func(v dashboard.MoversView) {
		// Keep only the newest view.
		select {
		case <-views:
		default:
		}
		views <- v
	})
	defer model.Stop()

	go refresh.Run(ctx, func() { model.Poll() })
	logger.Info("watching market movers", "every", dashboard.IntervalLabel(refresh.Interval()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-views:
			if v.State == dashboard.MoversLoading {
				continue
			}
			fmt.Fprint(c.out, "\033[H\033[2J")
			c.printMovers(v)
		}
	}
}

func (c *cli) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	periodFlag := fs.String("period", string(domain.DefaultPeriod), "look-back period")
	// Accept the symbol before or after the flags.
	var symbol string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		symbol, args = args[0], args[1:]
	}
	fs.Parse(args)
	if symbol == "" {
		symbol = fs.Arg(0)
	}
	if symbol == "" {
		return fmt.Errorf("usage: stockdash-cli history SYMBOL [-period 1mo]")
	}
	period, err := domain.ParsePeriod(*periodFlag)
	if err != nil {
		return err
	}

	pts, err := c.client.FetchHistorical(ctx, symbol, period)
	if err != nil {
		return err
	}
	stats := dashboard.SummarizeSeries(pts)

	fmt.Fprintln(c.out, headerStyle.Render(fmt.Sprintf("%s · %s", strings.ToUpper(symbol), period.Label())))
	fmt.Fprintln(c.out, dashboard.Sparkline(pts, 60))
	fmt.Fprintf(c.out, "open %s  close %s  high %s  low %s  change %s\n",
		dashboard.FormatCurrency(stats.Open), dashboard.FormatCurrency(stats.Close),
		dashboard.FormatCurrency(stats.High), dashboard.FormatCurrency(stats.Low),
		colorChange(stats.Change, dashboard.FormatPercent(stats.Change)))
	fmt.Fprintln(c.out)
	for _, p := range pts {
		fmt.Fprintf(c.out, "%-12s %12s\n", dashboard.FormatDate(p.Date.Time), dashboard.FormatCurrency(p.Close))
	}
	return nil
}

func (c *cli) populate(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("populate", flag.ExitOnError)
	limit := fs.Int("limit", c.cfg.Dashboard.PopulateLimit, "symbols to populate (0 = all)")
	fs.Parse(args)

	logger.Info("triggering populate", "url", c.client.BaseURL(), "limit", *limit)
	ack, err := c.client.TriggerPopulate(ctx, *limit)
	if err != nil {
		return err
	}
	if sum, ok := dashboard.SummarizeAck(ack); ok {
		fmt.Fprintln(c.out, sum.Message)
		return nil
	}
	fmt.Fprintln(c.out, string(ack))
	return nil
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

func (c *cli) printStocks(title string, stocks []domain.Stock) {
	fmt.Fprintln(c.out, headerStyle.Render(title))
	fmt.Fprintln(c.out, headerStyle.Render(fmt.Sprintf("%-8s %12s %9s %15s %10s", "SYMBOL", "PRICE", "CHANGE", "VOLUME", "MKT CAP")))
	if len(stocks) == 0 {
		fmt.Fprintln(c.out, dimStyle.Render("no stocks; run `stockdash-cli populate`"))
		return
	}
	for _, s := range stocks {
		fmt.Fprintf(c.out, "%-8s %12s %s %15s %10s\n",
			s.Symbol,
			dashboard.FormatCurrency(s.CurrentPrice),
			colorChange(s.ChangePercent, fmt.Sprintf("%9s", dashboard.FormatPercent(s.ChangePercent))),
			dashboard.FormatVolume(s.Volume),
			dashboard.FormatMarketCap(s.MarketCap),
		)
	}
}

func (c *cli) printMovers(v dashboard.MoversView) {
	switch v.State {
	case dashboard.MoversEmpty:
		fmt.Fprintln(c.out, dimStyle.Render("No market data yet. Run `stockdash-cli populate`."))
		return
	case dashboard.MoversError:
		fmt.Fprintln(c.out, downStyle.Render(v.ErrMessage))
		if len(v.Gainers) == 0 && len(v.Losers) == 0 {
			return
		}
	}
	c.printStocks("Top Gainers", v.Gainers)
	fmt.Fprintln(c.out)
	c.printStocks("Top Losers", v.Losers)
	fmt.Fprintln(c.out, dimStyle.Render("updated "+dashboard.FormatAge(v.FetchedAt, time.Now())))
}

func colorChange(change float64, s string) string {
	if change < 0 {
		return downStyle.Render(s)
	}
	return upStyle.Render(s)
}

func parseSort(s string) (int, error) {
	switch strings.ToLower(s) {
	case "symbol", "":
		return dashboard.SortSymbol, nil
	case "change":
		return dashboard.SortChange, nil
	case "volume":
		return dashboard.SortVolume, nil
	case "cap", "marketcap", "market_cap":
		return dashboard.SortMarketCap, nil
	}
	return 0, fmt.Errorf("unknown sort %q", s)
}
