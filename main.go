package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

var log = logging.Logger("spamgate")

const shutdownTimeout = 10 * time.Second

// shouldShowUsageGuidance detects when the Gatefile is missing or never
// enables the dnsbl checks.
func shouldShowUsageGuidance() bool {
	return shouldShowUsageGuidanceWithOptions(os.Args[1:], ".")
}

// shouldShowUsageGuidanceWithOptions is a testable version that accepts custom args and working directory
func shouldShowUsageGuidanceWithOptions(args []string, workDir string) bool {
	confFile := getConfigFileFromArgs(args)
	if confFile == "" {
		defaultGatefile := filepath.Join(workDir, defaultConf)
		if _, err := os.Stat(defaultGatefile); os.IsNotExist(err) {
			return true
		}
		confFile = defaultGatefile
	} else if !filepath.IsAbs(confFile) {
		confFile = filepath.Join(workDir, confFile)
	}

	return isMissingDNSBLBlock(confFile)
}

// getConfigFileFromArgs returns the value of -conf, if present.
func getConfigFileFromArgs(args []string) string {
	for i, arg := range args {
		switch {
		case (arg == "-conf" || arg == "--conf") && i+1 < len(args):
			return args[i+1]
		case strings.HasPrefix(arg, "-conf="):
			return strings.TrimPrefix(arg, "-conf=")
		case strings.HasPrefix(arg, "--conf="):
			return strings.TrimPrefix(arg, "--conf=")
		}
	}
	return ""
}

// isMissingDNSBLBlock reports whether no uncommented line of the file
// enables the dnsbl checks.
func isMissingDNSBLBlock(filename string) bool {
	content, err := os.ReadFile(filename)
	if err != nil {
		// If we can't read the file, let the parser report the error
		return false
	}

	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			continue
		}
		if fields := strings.Fields(line); len(fields) > 0 && fields[0] == "dnsbl" {
			return false
		}
	}
	return true
}

func main() {
	fmt.Printf("%s %s\n", name, version) // always print version
	registerVersionMetric()
	err := godotenv.Load()
	if err == nil {
		fmt.Println(".env found and loaded")
	}

	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Check for common misconfiguration before starting listeners
	if shouldShowUsageGuidance() {
		fmt.Fprintf(os.Stderr, "\nError: Configuration issue detected.\n\n")
		fmt.Fprintf(os.Stderr, "spamgate requires a Gatefile with at least one site using a 'dnsbl' block.\n")
		fmt.Fprintf(os.Stderr, "Without it every request is forwarded unchecked.\n\n")
		fmt.Fprintf(os.Stderr, "Minimal Gatefile:\n")
		fmt.Fprintf(os.Stderr, "  * {\n")
		fmt.Fprintf(os.Stderr, "      upstream http://127.0.0.1:8000\n")
		fmt.Fprintf(os.Stderr, "      dnsbl\n")
		fmt.Fprintf(os.Stderr, "  }\n\n")
		fmt.Fprintf(os.Stderr, "Run:\n")
		fmt.Fprintf(os.Stderr, "  ./spamgate -conf Gatefile -listen :8080\n\n")
		os.Exit(1)
	}

	a, err := start(opts)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %s", err)
	}
}

func registerVersionMetric() {
	m := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "spamgate",
		Name:        "info",
		Help:        "Information about the spamgate instance.",
		ConstLabels: prometheus.Labels{"version": version},
	})
	prometheus.MustRegister(m)
	m.Set(1)
}
