// Command controller is the PV/battery controller's entry point: it loads
// the JSON configuration (with an optional YAML overlay), wires the store,
// inverter driver, price and irradiance providers into an
// orchestrator.Controller, starts the optional dashboard, and runs until an
// interrupt or termination signal is received.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pvbatteryctl/controller/config"
	"github.com/pvbatteryctl/controller/inverter"
	"github.com/pvbatteryctl/controller/irradiance"
	"github.com/pvbatteryctl/controller/orchestrator"
	"github.com/pvbatteryctl/controller/price"
	"github.com/pvbatteryctl/controller/store"
)

// entsoeURLFormat is the ENTSO-E publication market document endpoint,
// with placeholders for the UTC period start/end, the bidding-zone area
// code (used for both in_Domain and out_Domain), and the security token,
// in the order entsoe.DayAheadDocument formats them.
const entsoeURLFormat = "https://web-api.tp.entsoe.eu/api?documentType=A44&in_Domain=%[3]s&out_Domain=%[3]s&periodStart=%[1]s&periodEnd=%[2]s&securityToken=%[4]s"

func main() {
	var (
		configFile  = flag.String("config", "config.json", "Configuration file path")
		overlayFile = flag.String("overlay", "", "Optional YAML overlay file path")
		databaseDSN = flag.String("database", "", "Postgres DSN; empty uses an in-memory store (data collection/testing only)")
		help        = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	cfg, err := config.LoadConfig(*configFile, *overlayFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}

	logger := log.New(os.Stdout, "[pvbatteryctl] ", log.LstdFlags)
	logger.Printf("starting with configuration:\n%s", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := openStore(ctx, *databaseDSN)
	if err != nil {
		logger.Printf("error opening store: %v", err)
		os.Exit(1)
	}
	defer closeStore()

	responseTimeout := cfg.ModbusResponseTimeout
	if cfg.Inverter.TimeoutMS > 0 {
		responseTimeout = time.Duration(cfg.Inverter.TimeoutMS) * time.Millisecond
	}
	driver := inverter.NewModbusDriver(cfg.Inverter, cfg.ModbusConnectTimeout, responseTimeout)

	loc, err := time.LoadLocation(cfg.Location.Timezone)
	if err != nil {
		logger.Printf("error loading timezone: %v", err)
		os.Exit(1)
	}
	prices := price.NewHourlyProvider(os.Getenv("ENTSOE_SECURITY_TOKEN"), entsoeURLFormat, loc, cfg.Price.DayAheadHour)
	irr := irradiance.NewMetNoFetcher("pvbatteryctl/1.0 (+github.com/pvbatteryctl/controller)", 15*time.Second)

	ctrl, err := orchestrator.New(cfg, st, driver, prices, irr, logger)
	if err != nil {
		logger.Printf("error building controller: %v", err)
		os.Exit(1)
	}

	dashboard := orchestrator.NewDashboardServer(ctrl, cfg.Dashboard.Port)
	if dashboard != nil {
		dashboard.Start()
		logger.Printf("dashboard listening on :%d", cfg.Dashboard.Port)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Start(ctx)
	}()

	logger.Printf("controller started, press Ctrl+C to stop")
	<-sigChan
	logger.Printf("shutdown signal received, stopping")

	cancel()
	ctrl.Stop()
	<-done

	if dashboard != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := dashboard.Stop(shutdownCtx); err != nil {
			logger.Printf("dashboard shutdown error: %v", err)
		}
	}

	logger.Printf("stopped")
}

// openStore builds the configured Store implementation. An empty dsn falls
// back to the in-memory store, which is useful for bring-up and
// data-collection-only runs but loses all state on restart.
func openStore(ctx context.Context, dsn string) (store.Store, func(), error) {
	if dsn == "" {
		m := store.NewMemory()
		return m, func() { _ = m.Close() }, nil
	}
	pg, err := store.OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	return pg, func() { _ = pg.Close() }, nil
}

func showHelp() {
	fmt.Println("pvbatteryctl - PV and battery storage controller")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Forecasts solar production from weather data and a learned correction")
	fmt.Println("  matrix, estimates household load, ingests day-ahead electricity prices,")
	fmt.Println("  and greedily schedules battery charge/discharge slots to minimize cost,")
	fmt.Println("  then executes the schedule against the inverter over Modbus TCP.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  pvbatteryctl [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("ENVIRONMENT:")
	fmt.Println("  ENTSOE_SECURITY_TOKEN   day-ahead price API token")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  pvbatteryctl --config=config.json --database=postgres://localhost/pvctl")
	fmt.Println("  pvbatteryctl --config=config.json --overlay=local.yaml")
}
