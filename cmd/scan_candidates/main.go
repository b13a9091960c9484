// Command scan_candidates refreshes daily ATR and runs one volatility scan,
// printing the candidates and optionally exporting them as CSV.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"reversalBot/config"
	"reversalBot/internal/adapters/binanceclient"
	"reversalBot/internal/adapters/logger"
	"reversalBot/internal/adapters/memstore"
	"reversalBot/internal/adapters/metrics"
	"reversalBot/internal/atrcache"
	"reversalBot/internal/cycle"
	"reversalBot/internal/instruments"
	"reversalBot/internal/scanner"
	"reversalBot/internal/utils"
)

var (
	outPath  = flag.String("out", "", "write candidates to this CSV file")
	fraction = flag.Float64("fraction", 0, "override RANGE_ATR_FRACTION")
	timeout  = flag.Duration("timeout", 10*time.Minute, "overall timeout")
)

func main() {
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}
	if *fraction > 0 {
		cfg.RangeATRFraction = *fraction
	}

	// 2. Initialize Logger
	appLogger := logger.New(logger.Config{Level: cfg.LogLevel, Format: "console"})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// 3. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	// A throwaway store: the scan must not touch the live ATR cache or trade cycle.
	st := memstore.New()
	registry := instruments.NewRegistry(binanceClient, cfg.QuoteAsset, cfg.InstrumentTTL, appLogger)
	atrService := atrcache.NewService(binanceClient, registry, st, appLogger, atrcache.Config{
		Period:      cfg.ATRPeriod,
		Concurrency: cfg.Concurrency,
	})
	candidateScanner := scanner.New(binanceClient, cycle.NewLedger(st, appLogger), appLogger, metrics.Nop{}, scanner.Config{
		RangeFraction: cfg.RangeATRFraction,
		Concurrency:   cfg.Concurrency,
	})

	cache, err := atrService.Refresh(ctx)
	if err != nil {
		log.Fatalf("Error refreshing ATR: %v", err)
	}
	candidates, err := candidateScanner.Scan(ctx, cache)
	if err != nil {
		log.Fatalf("Error scanning candidates: %v", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tSIDE\tATR\tRANGE\tRANGE/ATR\tREF CLOSE")
	for _, c := range candidates {
		fmt.Fprintf(tw, "%s\t%s\t%g\t%g\t%.3f\t%g\n", c.Symbol, c.PreferredSide, c.ATR, c.Range, c.Range/c.ATR, c.Reference.Close)
	}
	tw.Flush()
	fmt.Printf("%d candidates out of %d instruments\n", len(candidates), len(cache))

	if *outPath != "" {
		if err := utils.WriteCandidatesToCSV(candidates, *outPath); err != nil {
			log.Fatalf("Error writing CSV: %v", err)
		}
		appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": *outPath})
	}
}
