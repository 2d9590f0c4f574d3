// presence-sweep marks devices with a stale heartbeat offline so crashed
// tabs stop occupying plan slots. Run it on a schedule (cron, every minute
// or two); a single pass per tenant is cheap.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/gestiodev/gestion_backend/config"
	"bitbucket.org/gestiodev/gestion_backend/ledger"
	"bitbucket.org/gestiodev/gestion_backend/presence"
)

func main() {
	businessID := flag.String("business-id", "", "Required: tenant to sweep (comma-separated for several)")
	ttl := flag.Duration("ttl", 90*time.Second, "Heartbeat age after which a device counts as stale")
	dryRun := flag.Bool("dry-run", false, "Report stale devices without writing")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}
	if !config.RedisConfigured() {
		fmt.Fprintln(os.Stderr, "REDIS_ADDRESS is not set; nothing to sweep")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	logger := config.GetLogger()
	config.ConnectRedisWithRetry(ctx)
	lg := ledger.NewRedisLedger(config.GetRedisDB(), config.GetRedisLock(), logger)

	exitCode := 0
	for _, biz := range strings.Split(*businessID, ",") {
		biz = strings.TrimSpace(biz)
		if biz == "" {
			continue
		}
		if *dryRun {
			n, err := countStale(ctx, lg, biz, *ttl)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", biz, err)
				exitCode = 1
				continue
			}
			fmt.Printf("%s: %d stale device(s)\n", biz, n)
			continue
		}
		n, err := presence.SweepStale(ctx, lg, logger, biz, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", biz, err)
			exitCode = 1
			continue
		}
		fmt.Printf("%s: swept %d device(s)\n", biz, n)
	}
	os.Exit(exitCode)
}

func countStale(ctx context.Context, lg ledger.Ledger, businessId string, ttl time.Duration) (int, error) {
	devices, err := presence.StaleDevices(ctx, lg, businessId, ttl)
	if err != nil {
		return 0, err
	}
	return len(devices), nil
}
