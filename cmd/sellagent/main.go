// Command sellagent is the process entrypoint: it loads configuration,
// wires the marketplace client, the event runner, the raise scheduler, the
// dispatcher/handlers, the supervisor, and the Telegram control-plane
// bridge, then runs until an OS signal arrives.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kassian/sellagent/internal/config"
	"github.com/kassian/sellagent/internal/controlplane"
	"github.com/kassian/sellagent/internal/dispatch"
	"github.com/kassian/sellagent/internal/handlers"
	"github.com/kassian/sellagent/internal/inventory"
	"github.com/kassian/sellagent/internal/logger"
	"github.com/kassian/sellagent/internal/marketplace/webclient"
	"github.com/kassian/sellagent/internal/raise"
	"github.com/kassian/sellagent/internal/runner"
	"github.com/kassian/sellagent/internal/supervisor"
)

const (
	baseURL     = "https://funpay.com"
	poolWorkers = 20
)

func main() {
	baseDir := flag.String("base-dir", ".", "process-local root containing configs/, storage/, logs/")
	flag.Parse()

	cfg := config.Load(*baseDir)
	config.EnvOverride(cfg)

	logger.Setup(cfg.BaseDir+"/logs/log.log", cfg.MaxLogSizeMB, cfg.MaxLogBackups)
	log.Printf("sellagent: starting, base_dir=%s", cfg.BaseDir)

	client, err := webclient.New(baseURL, cfg.UserAgent, cfg.GoldenKey, proxyURL(cfg))
	if err != nil {
		log.Fatalf("sellagent: building marketplace client: %v", err)
	}

	inv := inventory.New(cfg.BaseDir + "/storage/products")
	pool := dispatch.NewPool(poolWorkers)
	d := dispatch.New(pool)
	r := runner.New(client)
	sched := raise.New(cfg, client, nil, nil, nil)

	core := handlers.New(cfg, client, inv, nil, d)
	core.Runner = r
	core.RegisterAll(d)
	sched.Profile = core

	bridge, err := controlplane.New(cfg, client, core, nil)
	if err != nil {
		log.Printf("sellagent: control-plane bridge unavailable (Telegram): %v", err)
		bridge = nil
	}

	sup := supervisor.New(cfg, client, notifierOrNop(bridge), r, sched)
	sup.Runner = r
	r.Degraded = sup
	if bridge != nil {
		sup.Proxy = bridge
		bridge.Super = sup
	}
	sup.AcquireSingleInstance()
	defer sup.ReleaseSingleInstance()

	// Patch the mutual-reference loop now that bridge, core and sup all
	// exist: handlers needs a Notifier, the scheduler needs a Notifier and a
	// DegradedSignal, none of which can be constructor arguments without an
	// import cycle between handlers, controlplane, raise and supervisor.
	rewire(core, bridge, sched, sup)

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("sellagent: received %v, shutting down", sig)
		close(stop)
	}()

	events := make(chan *runner.Event, 256)
	go func() {
		if err := r.Run(stop, events, float64(cfg.RequestsDelay)); err != nil {
			log.Printf("sellagent: runner exited: %v", err)
		}
	}()
	go func() {
		for {
			select {
			case <-stop:
				return
			case ev := <-events:
				d.Dispatch(ev)
			}
		}
	}()

	go sched.Run(stop)
	go sup.Run(stop)
	if bridge != nil {
		go maintenanceLoop(stop, bridge, cfg)
		bridge.Run(stop) // blocks on the main logical thread, per §5
	} else {
		<-stop
	}

	log.Printf("sellagent: stopped")
}

// rewire patches the Notifier/Raiser/ActivityWatcher cross-references that
// cannot be supplied at construction time because each package only depends
// on a narrow interface of the others (avoiding an import cycle between
// handlers, controlplane, raise and supervisor).
func rewire(core *handlers.Core, bridge *controlplane.Bridge, sched *raise.Scheduler, sup *supervisor.Supervisor) {
	sched.Degraded = sup
	if bridge == nil {
		core.Notifier = nopNotifier{}
		sched.Notifier = nopNotifier{}
		return
	}
	core.Notifier = bridge
	sched.Notifier = bridge
}

func notifierOrNop(bridge *controlplane.Bridge) supervisor.Notifier {
	if bridge != nil {
		return bridge
	}
	return nopNotifier{}
}

type nopNotifier struct{}

func (nopNotifier) Notify(kind, text string) {
	log.Printf("sellagent: [%s] %s (no control-plane bridge configured)", kind, text)
}

func proxyURL(cfg *config.Config) string {
	if !cfg.ProxyEnable || cfg.ProxyIP == "" {
		return ""
	}
	if cfg.ProxyLogin != "" {
		return fmt.Sprintf("http://%s:%s@%s:%d", cfg.ProxyLogin, cfg.ProxyPassword, cfg.ProxyIP, cfg.ProxyPort)
	}
	return fmt.Sprintf("http://%s:%d", cfg.ProxyIP, cfg.ProxyPort)
}

// maintenanceLoop runs the withdrawal-forecast eviction sweep on the same
// cadence as the session refresher (§3 "Supplemented features").
func maintenanceLoop(stop <-chan struct{}, bridge *controlplane.Bridge, cfg *config.Config) {
	interval := time.Duration(cfg.SessionRefreshInterval) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			bridge.Maintain()
		}
	}
}
