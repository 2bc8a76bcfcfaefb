package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KanavDutta/costgate/api"
	"github.com/KanavDutta/costgate/cmd/demo/upstream"
	"github.com/KanavDutta/costgate/metrics"
	"github.com/KanavDutta/costgate/middleware"
	"github.com/KanavDutta/costgate/pkg/costgate"
	"github.com/KanavDutta/costgate/store"
)

const productsQuery = `query($first: Int!) { products(first: $first) { edges { node { id } } } }`

func main() {
	// Command-line flags
	configFile := flag.String("config", "cmd/demo/config.yaml", "Path to configuration file")
	clients := flag.Int("clients", 8, "Number of concurrent clients")
	requests := flag.Int("requests", 25, "Requests per client")
	tokens := flag.Int("tokens", 2, "Number of distinct access tokens")
	addr := flag.String("addr", ":8080", "Address for the inspection API (empty to disable)")
	redisAddr := flag.String("redis", "", "Redis address for sharing capacity (overrides config)")
	verbose := flag.Bool("v", false, "Log every request")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	printBanner()

	logger.WithField("path", *configFile).Info("Loading configuration")
	config, err := costgate.LoadConfigFromFile(*configFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if *redisAddr != "" {
		config.PeerStore.Addr = *redisAddr
	}

	// The simulated upstream owns the real budget
	sim := upstream.New(upstream.Config{
		Maximum:     config.Defaults.Maximum,
		RestoreRate: config.Defaults.RefillRate,
		Logger:      logger.WithField("component", "upstream"),
	})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.WithError(err).Fatal("Failed to start upstream")
	}
	upstreamServer := &http.Server{Handler: sim, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := upstreamServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Upstream stopped")
		}
	}()
	endpoint := "http://" + listener.Addr().String() + "/graphql"
	logger.WithField("endpoint", endpoint).Info("Simulated upstream started")

	collector := metrics.NewMetrics()
	opts := []costgate.Option{
		costgate.WithConfig(config),
		costgate.WithLogger(logger),
		costgate.WithMetrics(collector),
	}
	if config.PeerStore.Addr != "" {
		peers := store.NewRedisStore(store.RedisConfig{
			Addr:      config.PeerStore.Addr,
			Password:  config.PeerStore.Password,
			DB:        config.PeerStore.DB,
			KeyPrefix: config.PeerStore.KeyPrefix,
		})
		defer peers.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := peers.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		opts = append(opts, costgate.WithPeerStore(peers))
		logger.WithField("addr", config.PeerStore.Addr).Info("Sharing capacity through Redis")
	}

	exec, err := costgate.NewExecutor(opts...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create executor")
	}
	defer exec.Close()

	stopSweep := exec.StartBackgroundSweep(config.SweepIntervalDuration())
	defer stopSweep()

	transport, err := middleware.NewHTTPTransport(middleware.TransportConfig{Endpoint: endpoint})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create transport")
	}
	rateLimit, err := middleware.RateLimit(exec, middleware.RateLimitConfig{})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create rate limit stage")
	}
	client := middleware.Chain(transport.Do, middleware.Logging(logger), rateLimit)

	// Inspection API
	var apiServer *http.Server
	if *addr != "" {
		mux := http.NewServeMux()
		api.NewHandler(exec).Routes(mux)
		mux.Handle("/metrics", api.NewMetricsHandler(collector))
		apiServer = &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Inspection API stopped")
			}
		}()
		logger.Infof("Inspection API on http://localhost%s (GET /buckets, POST /buckets/sweep, GET /metrics)", *addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	results := runClients(ctx, client, *clients, *requests, *tokens)
	elapsed := time.Since(start)

	printSummary(results, sim.Stats(), collector.GetSnapshot(), elapsed)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = upstreamServer.Shutdown(shutdownCtx)
	if apiServer != nil {
		_ = apiServer.Shutdown(shutdownCtx)
	}
}

type clientResults struct {
	mu        sync.Mutex
	succeeded int
	throttled int
	failed    int
	byPrio    map[int]time.Duration
	countPrio map[int]int
}

func (r *clientResults) record(priority int, latency time.Duration, resp *middleware.Response, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case err != nil:
		r.failed++
	case resp.IsThrottled():
		r.throttled++
	default:
		r.succeeded++
	}
	r.byPrio[priority] += latency
	r.countPrio[priority]++
}

// runClients issues queries from concurrent clients. Client i always uses
// priority i%3, so urgent traffic can be compared with background traffic.
func runClients(ctx context.Context, client middleware.Handler, clients, requests, tokens int) *clientResults {
	results := &clientResults{byPrio: make(map[int]time.Duration), countPrio: make(map[int]int)}
	if tokens < 1 {
		tokens = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(id)))
			priority := id % 3

			for n := 0; n < requests && ctx.Err() == nil; n++ {
				first := 20 + rng.Intn(80)
				req := &middleware.Request{
					Query:      productsQuery,
					Variables:  map[string]any{"first": first},
					Credential: fmt.Sprintf("shpat_demo_%d", id%tokens),
					Priority:   priority,
				}
				// Every other request declares its cost up front
				if n%2 == 0 {
					cost := upstream.QueryCost(req)
					req.Cost = &cost
				}

				start := time.Now()
				resp, err := client(ctx, req)
				results.record(priority, time.Since(start), resp, err)
			}
		}(i)
	}
	wg.Wait()
	return results
}

func printSummary(r *clientResults, up upstream.Stats, snap *metrics.Snapshot, elapsed time.Duration) {
	fmt.Println()
	fmt.Println("Summary")
	fmt.Println("-------")
	fmt.Printf("  Elapsed:            %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Succeeded:          %d\n", r.succeeded)
	fmt.Printf("  Still throttled:    %d\n", r.throttled)
	fmt.Printf("  Failed:             %d\n", r.failed)
	fmt.Printf("  Upstream served:    %d\n", up.Served)
	fmt.Printf("  Upstream throttled: %d\n", up.Throttled)
	fmt.Printf("  Tokens admitted:    %d\n", snap.TokensAdmitted)
	fmt.Println()
	for priority := 0; priority < 3; priority++ {
		if n := r.countPrio[priority]; n > 0 {
			fmt.Printf("  Priority %d mean latency: %v\n", priority, (r.byPrio[priority] / time.Duration(n)).Round(time.Millisecond))
		}
	}
	fmt.Println()
}

func printBanner() {
	banner := `
╔═══════════════════════════════════════════════════════╗
║                                                       ║
║             COSTGATE - Demo Client                    ║
║                                                       ║
║   Cost-Based Admission Control for GraphQL APIs      ║
║   Token Bucket Scheduler | Go Implementation         ║
║                                                       ║
╚═══════════════════════════════════════════════════════╝
`
	fmt.Println(banner)
}
