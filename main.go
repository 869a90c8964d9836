package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("marketbrowser failed")
	}
}

// run dispatches to a subcommand; launch is the default.
func run(args []string) error {
	cmd := "launch"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "launch":
		return runLaunch(args)
	case "list":
		return runList(args)
	case "fulfill":
		return runFulfill(args)
	case "migrate":
		return runMigrate(args)
	}
	fmt.Fprintln(os.Stderr, T("usage"))
	return fmt.Errorf("unknown command %q", cmd)
}

type commonFlags struct {
	configPath string
	debug      bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "config.yaml", "Path to configuration file")
	fs.BoolVar(&c.debug, "debug", false, "Enable detailed debug logging")
}

// setup loads the config and initializes logging and localization.
func (c *commonFlags) setup() (*Config, io.Closer, error) {
	if err := InitLocale(); err != nil {
		log.Warn().Err(err).Msg("locale initialization failed, using default English")
	}
	checkUserDataDir()

	config, err := LoadConfig(c.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if c.debug {
		config.DebugMode = true
	}

	closer, err := SetupLogging(config.LogDir, config.DebugMode)
	if err != nil {
		log.Warn().Err(err).Msg("logging to console only")
	}
	return config, closer, nil
}

func openLedger(config *Config, configPath string) (*PostgresLedger, error) {
	if config.DatabaseURL == "" {
		return nil, errors.New(T("error_database_required", configPath))
	}
	return OpenLedger(config.DatabaseURL, config.LedgerRetry)
}

func syncedClock(config *Config) *TimeSync {
	ts := NewTimeSync(config.TimeServers)
	if err := ts.Sync(); err != nil {
		log.Warn().Err(err).Msg("time sync failed, using local clock")
	}
	return ts
}

func runLaunch(args []string) error {
	fs := flag.NewFlagSet("launch", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	user := fs.String("user", "", "Operator name (overrides config)")
	marketplace := fs.String("marketplace", "", "Ozon, WB or Yandex; empty opens every cabinet of the group")
	company := fs.String("company", "", "Company of the cabinet; empty opens every company of the marketplace")
	manual := fs.Bool("manual", false, "Open the cabinet without signing in")
	headless := fs.Bool("headless", false, "Run browsers without a window")
	_ = fs.Parse(args)

	config, closer, err := common.setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	if *user != "" {
		config.User = *user
	}
	if *headless {
		config.Headless = true
	}
	if config.User == "" {
		return errors.New(T("error_user_required", common.configPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, err := openLedger(config, common.configPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	markets, err := ledger.Markets(ctx, config.Group)
	if err != nil {
		return err
	}
	targets := selectMarkets(markets, MarketplaceKind(*marketplace), *company)
	if len(targets) == 0 {
		fmt.Println(T("markets_empty", config.Group))
		return nil
	}

	clock := syncedClock(config)
	otp := NewOtpCoordinator(ledger, clock, config.OTP)
	sessions := NewSessionPool()
	defer sessions.ReleaseAll()

	var wg sync.WaitGroup
	launcher := NewLauncher(ledger, sessions, LoginDeps{
		OTP:       otp,
		DialMail:  DialIMAP(config.MailServer, config.MailTimeout),
		Timing:    config.Login,
		Selectors: config.Selectors,
	}, RodOpener(config), LauncherOptions{
		Workers:    config.MaxBrowsers,
		QueueSize:  config.QueueSize,
		ProfileDir: config.ProfileDir,
		OnResult: func(res LaunchResult) {
			defer wg.Done()
			reportLaunch(res)
		},
	})
	launcher.Start(ctx)

	for _, m := range targets {
		req := NewLaunchRequest(config.User, m.Marketplace.Name, m.Company, !*manual)
		wg.Add(1)
		if err := launcher.Submit(req); err != nil {
			wg.Done()
			log.Error().Err(err).Str("company", m.Company).Msg("launch rejected")
			continue
		}
		fmt.Println(T("launch_queued", m.Marketplace.Name, m.Company))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	// browsers stay open for the operator until interrupted
	watch := time.NewTicker(30 * time.Second)
	defer watch.Stop()
	for sessions.Len() > 0 {
		select {
		case <-ctx.Done():
			fmt.Println(T("shutdown"))
			launcher.Close()
			return nil
		case <-watch.C:
			sessions.Sweep()
			if err := clock.Refresh(); err != nil {
				log.Warn().Err(err).Bool("synced", clock.IsSynced()).Msg("time resync failed")
			}
		}
	}
	launcher.Close()
	return nil
}

// selectMarkets filters the group catalog by marketplace and company; empty
// filters match everything.
func selectMarkets(markets []Market, marketplace MarketplaceKind, company string) []Market {
	var out []Market
	for _, m := range markets {
		if marketplace != "" && !strings.EqualFold(string(m.Marketplace.Name), string(marketplace)) {
			continue
		}
		if company != "" && !strings.EqualFold(m.Company, company) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func reportLaunch(res LaunchResult) {
	req := res.Request
	var authErr *AuthError
	switch {
	case errors.As(res.Err, &authErr):
		fmt.Println(T("launch_failed", req.Marketplace, req.Company, authErr.Message))
	case res.Err != nil:
		fmt.Println(T("launch_failed", req.Marketplace, req.Company, res.Err))
	case res.Reused:
		fmt.Println(T("launch_reused", req.Marketplace, req.Company))
	case req.Auto && res.State == SessionReady:
		fmt.Println(T("launch_signed_in", req.Marketplace, req.Company))
	case res.State != SessionDead:
		fmt.Println(T("launch_opened", req.Marketplace, req.Company))
	}
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	group := fs.String("group", "", "Group to list (overrides config)")
	_ = fs.Parse(args)

	config, closer, err := common.setup()
	if err != nil {
		return err
	}
	defer closer.Close()
	if *group != "" {
		config.Group = *group
	}

	ledger, err := openLedger(config, common.configPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	markets, err := ledger.Markets(context.Background(), config.Group)
	if err != nil {
		return err
	}
	if len(markets) == 0 {
		fmt.Println(T("markets_empty", config.Group))
		return nil
	}
	fmt.Println(T("markets_header", config.Group))
	for _, m := range markets {
		fmt.Printf("  %-7s %-30s %s\n", m.Marketplace.Name, m.Company, m.Connect.Phone)
	}
	return nil
}

// runFulfill stores a code received out of band, the way the SMS relay does.
func runFulfill(args []string) error {
	fs := flag.NewFlagSet("fulfill", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	phone := fs.String("phone", "", "Phone the code was sent to")
	marketplace := fs.String("marketplace", "", "Ozon, WB or Yandex")
	code := fs.String("code", "", "Received code")
	at := fs.String("time", "", "Delivery time in RFC3339 (default: now)")
	_ = fs.Parse(args)

	if *phone == "" || *marketplace == "" || *code == "" {
		fs.Usage()
		return errors.New("phone, marketplace and code are required")
	}

	config, closer, err := common.setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	ledger, err := openLedger(config, common.configPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	clock := syncedClock(config)
	otp := NewOtpCoordinator(ledger, clock, config.OTP)

	received := clock.Now()
	if *at != "" {
		received, err = ParseMessageTime(*at)
		if err != nil {
			return err
		}
	}

	ctx := context.Background()
	mp, err := resolveMarketplace(ctx, ledger, *marketplace)
	if err != nil {
		return err
	}
	if err := otp.Fulfill(ctx, *phone, mp.Name, *code, received.Truncate(time.Second)); err != nil {
		return err
	}
	fmt.Println(T("fulfill_done", mp.Name, *phone))
	return nil
}

func parseMarketplace(name string) (MarketplaceKind, error) {
	for kind := range providers {
		if strings.EqualFold(string(kind), name) {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownMarket, name)
}

// resolveMarketplace maps a command-line name to a marketplace the ledger
// knows about.
func resolveMarketplace(ctx context.Context, ledger Ledger, name string) (*Marketplace, error) {
	kind, err := parseMarketplace(name)
	if err != nil {
		return nil, err
	}
	return ledger.MarketplaceByName(ctx, kind)
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	_ = fs.Parse(args)

	direction := "up"
	if fs.NArg() > 0 {
		direction = fs.Arg(0)
	}

	config, closer, err := common.setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	if config.DatabaseURL == "" {
		return errors.New(T("error_database_required", common.configPath))
	}
	if err := RunMigrations(config.DatabaseURL, direction); err != nil {
		return err
	}
	fmt.Println(T("migrate_done", direction))
	return nil
}

// Store init error for later display (after locale is loaded)
var initUserDataDirError error

func init() {
	userDataDir := getUserDataDir()
	if err := os.MkdirAll(userDataDir, 0755); err != nil {
		initUserDataDirError = err
	}
}

func checkUserDataDir() {
	if initUserDataDirError != nil {
		log.Warn().Msg(T("error_user_data_dir_warning", initUserDataDirError))
	}
}

func getUserDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./marketbrowser-data"
	}
	return filepath.Join(home, ".marketbrowser")
}
