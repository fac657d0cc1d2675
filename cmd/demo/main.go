package main

import (
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kunal/infer-server/pkg/config"
	"github.com/kunal/infer-server/pkg/infer"
	"github.com/kunal/infer-server/pkg/logging"
	"github.com/kunal/infer-server/pkg/model"
	"github.com/kunal/infer-server/pkg/processors"
)

var (
	flagRequests int
	flagTags     int
	flagSync     bool
	flagStrategy string
	flagBatch    int
	flagEngines  int
)

func main() {
	root := &cobra.Command{
		Use:   "demo",
		Short: "Drive the inference runtime with simulated traffic",
		RunE:  run,
	}
	root.Flags().IntVar(&flagRequests, "requests", 64, "requests to submit")
	root.Flags().IntVar(&flagTags, "tags", 4, "client tags to spread requests over")
	root.Flags().BoolVar(&flagSync, "sync", false, "use synchronous requests")
	root.Flags().StringVar(&flagStrategy, "strategy", "", "batch strategy (dynamic, static, sequence)")
	root.Flags().IntVar(&flagBatch, "batch", 0, "batch size (0 means model default)")
	root.Flags().IntVar(&flagEngines, "engines", 0, "engines per executor")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type printObserver struct {
	log  func(string, ...any)
	done *sync.WaitGroup
}

func (o *printObserver) Response(status infer.Status, out *infer.Package, userData any) {
	if status != infer.StatusSuccess {
		o.log("request %v finished with %s", userData, status)
	}
	o.done.Done()
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if flagStrategy != "" {
		cfg.Strategy = flagStrategy
	}
	if flagBatch > 0 {
		cfg.BatchSize = flagBatch
	}
	if flagEngines > 0 {
		cfg.EngineNum = flagEngines
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	logging.SetLogger(logger)
	log := logging.Named("demo")

	strategy := infer.StrategyDynamic
	switch cfg.Strategy {
	case "static":
		strategy = infer.StrategyStatic
	case "sequence":
		strategy = infer.StrategySequence
	}

	if cfg.ModelDir != "" {
		model.SetModelDir(cfg.ModelDir)
	}

	server := infer.NewInferServer(cfg.DeviceID)
	defer server.Shutdown()

	m, err := server.LoadModel(cfg.ModelURI, "subnet0")
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	defer server.UnloadModel(m)

	if err := infer.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	broadcaster := infer.NewBroadcaster(server)
	stopMonitor := make(chan struct{})
	defer close(stopMonitor)
	go broadcaster.Run(time.Second, stopMonitor)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", broadcaster.HandleWS)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.MonitorPort)
		log.Infof("📡 monitor listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warnf("monitor server stopped: %v", err)
		}
	}()

	var wg sync.WaitGroup
	observer := &printObserver{log: log.Infof, done: &wg}

	desc := &infer.SessionDesc{
		Name:         "demo",
		Strategy:     strategy,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchWait,
		Priority:     cfg.Priority,
		EngineNum:    cfg.EngineNum,
		ShowPerf:     cfg.ShowPerf,
		Model:        m,
		Preproc:      processors.NewPreprocessor(nil),
		Postproc:     processors.NewPostprocessor(nil),
	}
	var sess *infer.Session
	if flagSync {
		sess, err = server.CreateSession(desc, nil)
	} else {
		sess, err = server.CreateSession(desc, observer)
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer server.DestroySession(sess)

	log.Infof("🚦 submitting %d requests (strategy=%s sync=%v)", flagRequests, strategy, flagSync)
	start := time.Now()
	for i := 0; i < flagRequests; i++ {
		tag := fmt.Sprintf("stream-%d", i%flagTags)
		in := infer.NewPackage(tag).Append([]byte(fmt.Sprintf("frame-%d", i)))
		if flagSync {
			_, status, _ := server.RequestSync(sess, in, 5*time.Second)
			if status != infer.StatusSuccess {
				log.Warnf("request %d: %s", i, status)
			}
			continue
		}
		wg.Add(1)
		if st := server.Request(sess, in, i, time.Second); st != infer.StatusSuccess {
			wg.Done()
			log.Warnf("request %d rejected: %s", i, st)
		}
	}
	if !flagSync {
		wg.Wait()
	}
	elapsed := time.Since(start)
	log.Infof("🏁 %d requests in %s (%.1f req/s)",
		flagRequests, elapsed, float64(flagRequests)/elapsed.Seconds())

	for name, st := range server.GetPerformance(sess) {
		log.Infof("📈 %-24s avg=%.2fms min=%.2fms max=%.2fms n=%d",
			name, st.Avg(), st.Min, st.Max, st.Count)
	}
	return nil
}
