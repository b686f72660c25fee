// Command aobactl is the single binary for this module: invoked bare (or
// with --daemon) it is the controller process; invoked with --mode it is a
// worker subprocess spawned by its own supervisor; invoked with
// --check-port it is the scanner's occupancy probe. One binary fronting
// several entry modes over shared packages follows the same shape as
// devicecode-go's cmd/pico-hal-main, cmd/boardtest, and cmd/uart-test.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aoba-ctl/aoba-ctl/internal/applog"
	"github.com/aoba-ctl/aoba-ctl/internal/controller"
	"github.com/aoba-ctl/aoba-ctl/internal/daemonconfig"
	"github.com/aoba-ctl/aoba-ctl/internal/httpapi"
	"github.com/aoba-ctl/aoba-ctl/internal/notify"
	"github.com/aoba-ctl/aoba-ctl/internal/persistence"
	"github.com/aoba-ctl/aoba-ctl/internal/scanner"
	"github.com/aoba-ctl/aoba-ctl/internal/security"
	"github.com/aoba-ctl/aoba-ctl/internal/serialport"
	"github.com/aoba-ctl/aoba-ctl/internal/statustree"
	"github.com/aoba-ctl/aoba-ctl/internal/supervisor"
	"github.com/aoba-ctl/aoba-ctl/internal/worker"
)

func main() {
	if hasModeFlag(os.Args[1:]) {
		if err := runWorker(os.Args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// hasModeFlag reports whether args carry --mode, which only a spawned
// worker subprocess ever receives.
func hasModeFlag(args []string) bool {
	for _, a := range args {
		if a == "--mode" || a == "-mode" {
			return true
		}
	}
	return false
}

func runWorker(args []string) error {
	cfg, err := worker.ParseArgs(args)
	if err != nil {
		return err
	}
	return worker.Run(context.Background(), cfg)
}

type daemonFlags struct {
	daemon        bool
	daemonConfig  string
	noConfigCache bool
	httpAddr      string
	checkPort     string
	ciE2EDump     string
	screenCapture bool
}

func parseDaemonFlags(args []string) (daemonFlags, error) {
	fs := flag.NewFlagSet("aobactl", flag.ContinueOnError)
	f := daemonFlags{}
	fs.BoolVar(&f.daemon, "daemon", false, "run headless, no interactive renderer")
	fs.StringVar(&f.daemonConfig, "daemon-config", "", "path to daemon bootstrap yaml")
	fs.BoolVar(&f.noConfigCache, "no-config-cache", false, "skip loading/saving aoba_tui_config.json")
	fs.StringVar(&f.httpAddr, "http-addr", "", "address for the optional read-only status endpoint")
	fs.StringVar(&f.checkPort, "check-port", "", "probe one port for exclusive-open availability and exit")
	fs.StringVar(&f.ciE2EDump, "debug-ci-e2e-test", "", "dump a status snapshot to this path every 200ms, for e2e harnesses")
	fs.BoolVar(&f.screenCapture, "debug-screen-capture", false, "reserved for the renderer's screenshot mode")
	fs.Bool("tui", true, "run the interactive renderer (default; not implemented by this binary)")
	if err := fs.Parse(args); err != nil {
		return daemonFlags{}, err
	}
	return f, nil
}

// run dispatches --check-port, then starts the controller loop. The
// interactive TUI renderer is an external collaborator this module doesn't
// implement (spec.md's Non-goals); --daemon and bare invocation both run the
// same headless controller loop here.
func run(args []string) error {
	flags, err := parseDaemonFlags(args)
	if err != nil {
		return err
	}

	if flags.checkPort != "" {
		return checkPort(flags.checkPort)
	}

	daemonCfg, err := daemonconfig.Load(flags.daemonConfig)
	if err != nil {
		return err
	}

	if err := applog.Init(applog.Config{
		Level: daemonCfg.Logger.Level, Format: daemonCfg.Logger.Format, LogDir: daemonCfg.Logger.Dir,
		MaxSizeMB: daemonCfg.Logger.MaxSizeMB, MaxBackups: daemonCfg.Logger.MaxBackups,
		MaxAgeDays: daemonCfg.Logger.MaxAgeDays, Compress: daemonCfg.Logger.Compress,
	}); err != nil {
		return err
	}
	log := applog.Get()
	defer applog.Sync()

	if daemonCfg.Persistence.Passphrase != "" {
		salt, err := loadOrCreateSalt()
		if err != nil {
			return fmt.Errorf("aobactl: persistence salt: %w", err)
		}
		persistence.SetEncryptor(security.New(daemonCfg.Persistence.Passphrase, salt))
	}

	tree := statustree.New()
	applog.SetRingSink(func(port, level, message string) {
		g := tree.AcquireWrite()
		defer g.Release()
		g.AppendLog(port, statustree.LogEntry{When: time.Now(), Raw: "[" + level + "] " + message})
	})

	socketDir, err := os.MkdirTemp("", "aobactl-ipc-*")
	if err != nil {
		return fmt.Errorf("aobactl: prepare ipc socket dir: %w", err)
	}
	defer os.RemoveAll(socketDir)

	sup, err := supervisor.New(socketDir, log, func(port, line string) {
		g := tree.AcquireWrite()
		defer g.Release()
		g.AppendStderr(port, line)
	})
	if err != nil {
		return err
	}

	selfExe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("aobactl: resolve self: %w", err)
	}
	scan := scanner.New(tree, selfExe, log)

	hub := notify.NewHub()
	go hub.Run()
	defer hub.Stop()

	httpAddr := flags.httpAddr
	if httpAddr == "" {
		httpAddr = daemonCfg.HTTP.Addr
	}
	var httpSrv *httpapi.Server
	if httpAddr != "" {
		httpSrv = httpapi.New(tree)
	}

	ctrlCfg := controller.Config{
		Tree: tree, Supervisor: sup, Scanner: scan, Hub: hub, Log: log,
		NoConfigCache: flags.noConfigCache,
		ScanInterval:  daemonCfg.Scanner.Interval(),
	}
	if httpSrv != nil {
		ctrlCfg.Metrics = httpSrv.Metrics()
	}
	ctrl := controller.New(ctrlCfg)

	autostart, err := ctrl.LoadPersisted()
	if err != nil {
		log.Warn("load persisted config failed", zap.Error(err))
	}
	for _, port := range autostart {
		ctrl.Send(controller.ToggleRuntime{Port: port})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		ctrl.Send(controller.Quit{})
	}()

	if httpSrv != nil {
		go func() {
			if err := httpSrv.Listen(httpAddr); err != nil {
				log.Warn("http status endpoint stopped", zap.Error(err))
			}
		}()
		defer httpSrv.Shutdown()
	}

	if flags.ciE2EDump != "" {
		go dumpStatusLoop(ctx, tree, flags.ciE2EDump)
	}

	return ctrl.Run(ctx)
}

// loadOrCreateSalt returns the PBKDF2 salt for this deployment, generating
// and persisting one on first run so re-encrypting on restart still derives
// the same key from the same passphrase.
func loadOrCreateSalt() ([]byte, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dir := filepath.Join(home, ".aoba")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "persistence.salt")

	if data, err := os.ReadFile(path); err == nil {
		return hex.DecodeString(strings.TrimSpace(string(data)))
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(salt)), 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}

// checkPort implements the scanner's --check-port probe (spec.md §4.7,
// §6): attempt an exclusive open and report via exit code (0 = free, non-
// zero = occupied or unavailable), never printing anything a caller would
// need to parse.
func checkPort(id string) error {
	if serialport.IsVirtual(id) {
		return nil
	}
	return serialport.Probe(id, serialport.Params{Baud: 9600, DataBits: 8, StopBits: 1, ReadTimeout: 50 * time.Millisecond})
}

// dumpStatusLoop periodically writes a status snapshot for an e2e harness
// that cannot attach to the (unimplemented) interactive renderer directly.
func dumpStatusLoop(ctx context.Context, tree *statustree.Tree, path string) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeStatusDump(tree, path)
		}
	}
}

func writeStatusDump(tree *statustree.Tree, path string) {
	g := tree.AcquireRead()
	ports := g.Ports()
	g.Release()

	data, err := json.MarshalIndent(ports, "", "  ")
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, path)
}
