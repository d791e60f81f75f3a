package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"stockdash/internal/config"
	"stockdash/internal/dashboard"
	"stockdash/internal/domain"
	"stockdash/internal/query"
	"stockdash/internal/util"
	"stockdash/pkg/stockdash"
)

// Styles.
var (
	symbolStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	symbolHlStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("75"))
	gainStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	lossStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	colHeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	sectionStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6"))
	chartStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	highlightBG    = lipgloss.Color("236")
)

// stocksKey caches the full stock list next to the movers and series entries.
const stocksKey query.Key = "stocks"

// stockKey caches the quote shown above a symbol's chart.
func stockKey(symbol string) query.Key { return query.Key("stock/" + symbol) }

// Messages.
type pollMsg time.Time
type clockMsg time.Time
type changedMsg struct{}

type updateDoneMsg struct {
	ack stockdash.Ack
	err error
}

func pollCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return pollMsg(t) })
}

func clockCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return clockMsg(t) })
}

// waitChanged blocks until a view model reports a change. Notifications are
// coalesced; Update reads the latest views itself.
func waitChanged(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return changedMsg{}
	}
}

// Model.
type model struct {
	client  *stockdash.Client
	cache   *query.Cache
	movers  *dashboard.MoversModel
	hist    *dashboard.HistoricalModel
	actions *dashboard.Actions
	refresh *dashboard.RefreshController
	changed chan struct{}
	limit   int
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	viewport viewport.Model
	ready    bool
	width    int
	height   int

	moversView dashboard.MoversView
	histView   dashboard.HistoricalView
	stocks     []domain.Stock
	stocksErr  error
	quote      query.Entry
	quoteUnsub func()
	sortMode   int
	cursor     int
	showHist   bool
	status     string
}

func initialModel(client *stockdash.Client, cfg *config.Config, metrics *query.Metrics, logger *slog.Logger) *model {
	ctx, cancel := context.WithCancel(context.Background())

	cache := query.New(
		query.WithRetryDelay(cfg.Dashboard.RetryDelay),
		query.WithLogger(logger),
		query.WithMetrics(metrics),
	)
	refresh := dashboard.NewRefreshController()
	if err := refresh.Set(cfg.Dashboard.RefreshInterval); err != nil {
		logger.Warn("refresh interval not supported; using default", "interval", cfg.Dashboard.RefreshInterval)
	}
	movers := dashboard.NewMoversModel(cache, client, refresh, logger)

	return &model{
		client:     client,
		cache:      cache,
		movers:     movers,
		hist:       dashboard.NewHistoricalModel(cache, client, logger),
		actions:    dashboard.NewActions(client, cache, movers, logger),
		refresh:    refresh,
		changed:    make(chan struct{}, 1),
		limit:      cfg.Dashboard.PopulateLimit,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		moversView: movers.View(),
	}
}

// notify is the onChange callback of every view model. It may run on the
// tea goroutine, so it never blocks.
func (m *model) notify() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

func (m *model) Init() tea.Cmd {
	m.cache.Subscribe(stocksKey, func(query.Entry) { m.notify() })
	m.hist.OnChange(func(dashboard.HistoricalView) { m.notify() })
	m.movers.Start(func(dashboard.MoversView) { m.notify() })
	m.fetchStocks(false)

	return tea.Batch(waitChanged(m.changed), pollCmd(m.refresh.Interval()), clockCmd())
}

func (m *model) fetchStocks(force bool) {
	load := func(ctx context.Context) (any, error) { return m.client.FetchAllStocks(ctx) }
	opts := query.Options{StaleAfter: m.refresh.Interval(), Retries: 1}
	if force {
		m.cache.Refetch(stocksKey, load, opts)
		return
	}
	m.cache.EnsureFresh(stocksKey, load, opts)
}

// showStock switches the chart header to symbol, keeping one subscription
// so the previous symbol's entry can be collected.
func (m *model) showStock(symbol string) {
	if m.quoteUnsub != nil {
		m.quoteUnsub()
	}
	m.quoteUnsub = m.cache.Subscribe(stockKey(symbol), func(query.Entry) { m.notify() })
	m.fetchQuote(symbol)
}

func (m *model) fetchQuote(symbol string) {
	m.cache.EnsureFresh(stockKey(symbol), func(ctx context.Context) (any, error) {
		return m.client.FetchStock(ctx, symbol)
	}, query.Options{StaleAfter: m.refresh.Interval(), Retries: 1})
}

// sync pulls the latest views out of the models.
func (m *model) sync() {
	m.moversView = m.movers.View()
	m.histView = m.hist.View()

	e := m.cache.Get(stocksKey)
	if stocks, ok := query.Data[[]domain.Stock](e); ok {
		m.stocks = dashboard.SortStocks(stocks, m.sortMode)
	}
	m.stocksErr = e.Err
	if m.histView.Symbol != "" {
		m.quote = m.cache.Get(stockKey(m.histView.Symbol))
	}
	if m.cursor >= len(m.stocks) {
		m.cursor = max(len(m.stocks)-1, 0)
	}
}

func (m *model) shutdown() {
	m.cancel()
	if m.quoteUnsub != nil {
		m.quoteUnsub()
	}
	m.movers.Stop()
	m.hist.Stop()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-2)
			m.viewport.MouseWheelEnabled = true
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 2
		}
		m.viewport.SetContent(m.renderContent())
		return m, nil

	case changedMsg:
		m.sync()
		m.viewport.SetContent(m.renderContent())
		return m, waitChanged(m.changed)

	case pollMsg:
		m.movers.Poll()
		m.fetchStocks(true)
		if m.showHist && m.histView.Symbol != "" {
			m.fetchQuote(m.histView.Symbol)
		}
		return m, pollCmd(m.refresh.Interval())

	case clockMsg:
		// Ages in the footer move even without new data.
		return m, clockCmd()

	case updateDoneMsg:
		if msg.err != nil {
			m.status = "update failed: " + dashboard.ErrorMessage(msg.err)
		} else if sum, ok := dashboard.SummarizeAck(msg.ack); ok {
			m.status = sum.Message
		} else {
			m.status = "update complete"
		}
		m.fetchStocks(true)
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.shutdown()
		return m, tea.Quit

	case "r":
		d := m.refresh.Cycle()
		m.status = "refresh every " + dashboard.IntervalLabel(d)
		m.logger.Info("refresh interval changed", "interval", d)

	case "u":
		if m.actions.Updating() {
			return m, nil
		}
		m.status = "updating data..."
		ctx, limit := m.ctx, m.limit
		return m, func() tea.Msg {
			ack, err := m.actions.UpdateData(ctx, limit)
			return updateDoneMsg{ack: ack, err: err}
		}

	case "s":
		m.sortMode = (m.sortMode + 1) % dashboard.SortModeCount
		m.stocks = dashboard.SortStocks(m.stocks, m.sortMode)
		m.cursor = 0

	case "up", "k":
		if !m.showHist && m.cursor > 0 {
			m.cursor--
		}

	case "down", "j":
		if !m.showHist && m.cursor < len(m.stocks)-1 {
			m.cursor++
		}

	case "enter", "h":
		if !m.showHist && len(m.stocks) > 0 {
			_, period := m.hist.Selection()
			sym := m.stocks[m.cursor].Symbol
			m.hist.Select(sym, period)
			m.showStock(sym)
			m.showHist = true
			m.viewport.GotoTop()
		}

	case "left", "right", "p":
		if m.showHist {
			step := 1
			if msg.String() == "left" {
				step = -1
			}
			_, cur := m.hist.Selection()
			m.hist.SetPeriod(cyclePeriod(cur, step))
		}

	case "1", "2", "3", "4", "5", "6":
		if m.showHist {
			m.hist.SetPeriod(domain.Periods[int(msg.String()[0]-'1')])
		}

	case "esc", "backspace":
		m.showHist = false

	default:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	m.sync()
	m.viewport.SetContent(m.renderContent())
	return m, nil
}

func cyclePeriod(cur domain.Period, step int) domain.Period {
	n := len(domain.Periods)
	for i, p := range domain.Periods {
		if p == cur {
			return domain.Periods[((i+step)%n+n)%n]
		}
	}
	return domain.DefaultPeriod
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

func (m *model) View() string {
	if !m.ready {
		return "loading..."
	}

	updating := ""
	if m.actions.Updating() {
		updating = "  [updating]"
	}
	headerText := fmt.Sprintf(" stockdash  %s  refresh %s  sort %s%s",
		m.client.BaseURL(), dashboard.IntervalLabel(m.refresh.Interval()),
		dashboard.SortModeLabel(m.sortMode), updating)
	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4")).
		Render(padOrTrunc(headerText, m.width))

	keys := "q quit  r refresh  u update  s sort  enter chart"
	if m.showHist {
		keys = "q quit  esc back  </> period  1-6 period  u update"
	}
	footerText := fmt.Sprintf(" %s  %s  %3.0f%%", keys, m.status, m.viewport.ScrollPercent()*100)
	if !m.moversView.FetchedAt.IsZero() {
		footerText += "  updated " + dashboard.FormatAge(m.moversView.FetchedAt, time.Now())
	}
	footer := lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8")).
		Render(padOrTrunc(footerText, m.width))

	return header + "\n" + m.viewport.View() + "\n" + footer
}

func (m *model) renderContent() string {
	var b strings.Builder
	if m.showHist {
		m.renderHistorical(&b)
		return b.String()
	}
	m.renderMovers(&b)
	b.WriteString("\n")
	m.renderStocks(&b)
	return b.String()
}

func (m *model) renderMovers(b *strings.Builder) {
	v := m.moversView
	b.WriteString(sectionStyle.Render(" Market Movers ") + "\n")

	switch v.State {
	case dashboard.MoversLoading:
		b.WriteString(dimStyle.Render("  loading market movers...") + "\n")
		return
	case dashboard.MoversEmpty:
		b.WriteString(dimStyle.Render("  No market data available. Press u to populate.") + "\n")
		return
	case dashboard.MoversError:
		b.WriteString(errStyle.Render("  "+v.ErrMessage) + "\n")
		if v.RetriesRemaining > 0 {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  retrying (%d left)", v.RetriesRemaining)) + "\n")
		}
		if v.CanPopulate {
			b.WriteString(dimStyle.Render("  Press u to populate.") + "\n")
		}
		if len(v.Gainers) == 0 && len(v.Losers) == 0 {
			return
		}
	}
	if v.Refreshing {
		b.WriteString(dimStyle.Render("  refreshing...") + "\n")
	}

	b.WriteString("\n" + colHeaderStyle.Render("  Top Gainers") + "\n")
	writeStockRows(b, v.Gainers, -1)
	b.WriteString("\n" + colHeaderStyle.Render("  Top Losers") + "\n")
	writeStockRows(b, v.Losers, -1)
}

func (m *model) renderStocks(b *strings.Builder) {
	b.WriteString(sectionStyle.Render(fmt.Sprintf(" All Stocks (%s) ", dashboard.SortModeLabel(m.sortMode))) + "\n")
	if m.stocksErr != nil {
		b.WriteString(errStyle.Render("  "+dashboard.ErrorMessage(m.stocksErr)) + "\n")
	}
	if len(m.stocks) == 0 {
		if m.stocksErr == nil {
			b.WriteString(dimStyle.Render("  no stocks yet") + "\n")
		}
		return
	}
	writeStockRows(b, m.stocks, m.cursor)
}

func writeStockRows(b *strings.Builder, stocks []domain.Stock, cursor int) {
	b.WriteString(colHeaderStyle.Render(fmt.Sprintf("  %-8s %-20s %12s %9s %15s %10s",
		"SYMBOL", "NAME", "PRICE", "CHANGE", "VOLUME", "MKT CAP")) + "\n")
	for i, s := range stocks {
		hl := i == cursor
		sym := symbolStyle
		if hl {
			sym = symbolHlStyle.Background(highlightBG)
		}
		chg := gainStyle
		if s.ChangePercent < 0 {
			chg = lossStyle
		}
		prefix := "  "
		if hl {
			prefix = "> "
		}
		b.WriteString(prefix + sym.Render(fmt.Sprintf("%-8s", s.Symbol)) + " " +
			fmt.Sprintf("%-20s %12s ", truncate(s.Name, 20), dashboard.FormatCurrency(s.CurrentPrice)) +
			chg.Render(fmt.Sprintf("%9s", dashboard.FormatPercent(s.ChangePercent))) +
			fmt.Sprintf(" %15s %10s", dashboard.FormatVolume(s.Volume), dashboard.FormatMarketCap(s.MarketCap)) + "\n")
	}
}

func (m *model) renderHistorical(b *strings.Builder) {
	v := m.histView
	b.WriteString(sectionStyle.Render(fmt.Sprintf(" %s  %s ", v.Symbol, v.Period.Label())) + "\n")
	b.WriteString(quoteLine(m.quote) + "\n")

	var tabs []string
	for i, p := range domain.Periods {
		label := fmt.Sprintf("%d:%s", i+1, p)
		if p == v.Period {
			label = symbolHlStyle.Render("[" + label + "]")
		} else {
			label = dimStyle.Render(" " + label + " ")
		}
		tabs = append(tabs, label)
	}
	b.WriteString(strings.Join(tabs, " ") + "\n\n")

	switch v.State {
	case dashboard.HistoricalLoading:
		b.WriteString(dimStyle.Render("  loading history...") + "\n")
		return
	case dashboard.HistoricalError:
		b.WriteString(errStyle.Render("  "+v.Err) + "\n")
		return
	}
	if len(v.Points) == 0 {
		b.WriteString(dimStyle.Render("  no data for this period") + "\n")
		return
	}

	b.WriteString("  " + chartStyle.Render(dashboard.Sparkline(v.Points, max(m.width-4, 10))) + "\n\n")

	st := v.Stats
	chg := gainStyle
	if st.Change < 0 {
		chg = lossStyle
	}
	fmt.Fprintf(b, "  open %s  close %s  high %s  low %s  change %s\n",
		dashboard.FormatCurrency(st.Open), dashboard.FormatCurrency(st.Close),
		dashboard.FormatCurrency(st.High), dashboard.FormatCurrency(st.Low),
		chg.Render(dashboard.FormatPercent(st.Change)))
	fmt.Fprintf(b, "  max gain %s  max drawdown %s  %d sessions\n\n",
		gainStyle.Render(dashboard.FormatPercent(st.MaxGain*100)),
		lossStyle.Render(dashboard.FormatPercent(-st.MaxLoss*100)), st.Points)

	b.WriteString(colHeaderStyle.Render(fmt.Sprintf("  %-14s %12s", "DATE", "CLOSE")) + "\n")
	for i := len(v.Points) - 1; i >= 0; i-- {
		p := v.Points[i]
		fmt.Fprintf(b, "  %-14s %12s\n", dashboard.FormatDate(p.Date.Time), dashboard.FormatCurrency(p.Close))
	}
}

// quoteLine renders the name, price and daily change above the chart.
func quoteLine(e query.Entry) string {
	s, ok := query.Data[domain.Stock](e)
	if !ok {
		if e.Err != nil {
			return errStyle.Render("  " + dashboard.ErrorMessage(e.Err))
		}
		return dimStyle.Render("  loading quote...")
	}
	chg := gainStyle
	if s.ChangePercent < 0 {
		chg = lossStyle
	}
	return fmt.Sprintf("  %s  %s  %s", s.Name, dashboard.FormatCurrency(s.CurrentPrice),
		chg.Render(dashboard.FormatPercent(s.ChangePercent)))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:max(n, 0)])
	}
	return string(r[:n-1]) + "~"
}

func padOrTrunc(s string, width int) string {
	n := lipgloss.Width(s)
	if n >= width {
		return truncate(s, width)
	}
	return s + strings.Repeat(" ", width-n)
}

func main() {
	cfgPath := "config/stockdash.yaml"
	if p := os.Getenv("STOCKDASH_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// The terminal belongs to the UI; logs go to a daily file.
	logPath := filepath.Join(cfg.Dashboard.LogDir, fmt.Sprintf("stockdash-%s.log", time.Now().Format("2006-01-02")))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := util.NewLogger(logFile, cfg.Logging.Level, "text")
	util.SetDefault(logger)

	client := stockdash.NewClient(cfg.API.BaseURL).WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout})
	logger.Info("dashboard starting", "url", client.BaseURL(), "refresh", cfg.Dashboard.RefreshInterval)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	metrics, err := query.ListenMetrics(ctx, cfg.Dashboard.MetricsAddr, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	p := tea.NewProgram(
		initialModel(client, cfg, metrics, logger),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
